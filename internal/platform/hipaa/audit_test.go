package hipaa

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/worker"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAuditLogger(t *testing.T, cfg AuditLoggerConfig, logger zerolog.Logger, opts ...AuditOption) *AuditLogger {
	t.Helper()
	a, err := NewAuditLogger(cfg, newTestMasker(t), logger, opts...)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	return a
}

func TestNewAuditLogger_Defaults(t *testing.T) {
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger())
	if a.RetentionDays() != 2555 {
		t.Errorf("expected default retention of 2555 days, got %d", a.RetentionDays())
	}

	_, err := NewAuditLogger(AuditLoggerConfig{Level: "verbose"}, newTestMasker(t), testLogger())
	if !errors.Is(err, ErrInvalidAuditLevel) {
		t.Errorf("expected ErrInvalidAuditLevel, got %v", err)
	}
}

func TestLogEvent_Validation(t *testing.T) {
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger())

	_, err := a.LogEvent(context.Background(), AuditEvent{EventType: "read", Outcome: OutcomeSuccess})
	if !errors.Is(err, ErrInvalidAuditEvent) {
		t.Errorf("expected ErrInvalidAuditEvent for unknown type, got %v", err)
	}
	_, err = a.LogEvent(context.Background(), AuditEvent{EventType: EventAccess, Outcome: "ok"})
	if !errors.Is(err, ErrInvalidAuditEvent) {
		t.Errorf("expected ErrInvalidAuditEvent for unknown outcome, got %v", err)
	}
}

func TestLogEvent_StoresImmutableCopy(t *testing.T) {
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger())

	details := map[string]any{"reason": "treatment"}
	id, err := a.LogEvent(context.Background(), AuditEvent{
		EventType: EventAccess, UserID: "u1", Action: "read", Outcome: OutcomeSuccess, Details: details,
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("expected a 26-char ULID, got %q", id)
	}

	details["reason"] = "tampered"
	got, ok := a.GetAuditLog(id)
	if !ok {
		t.Fatal("entry not found")
	}
	if got.Details["reason"] != "treatment" {
		t.Error("stored entry changed after caller mutated its details")
	}

	got.Details["reason"] = "tampered again"
	again, _ := a.GetAuditLog(id)
	if again.Details["reason"] != "treatment" {
		t.Error("stored entry changed through a returned copy")
	}
}

func TestGetAuditLogs_FilterAndOrder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger(), WithAuditClock(clock.Now))
	ctx := context.Background()

	log := func(user string, et EventType, out Outcome) string {
		t.Helper()
		id, err := a.LogEvent(ctx, AuditEvent{EventType: et, UserID: user, Action: string(et), Outcome: out})
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
		return id
	}

	first := log("u1", EventAccess, OutcomeSuccess)
	log("u2", EventUpdate, OutcomeSuccess)
	last := log("u1", EventExport, OutcomeFailure)

	all := a.GetAuditLogs(AuditFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ID != last || all[2].ID != first {
		t.Error("entries are not sorted newest first")
	}

	byUser := a.GetAuditLogs(AuditFilter{UserID: "u1"})
	if len(byUser) != 2 {
		t.Errorf("expected 2 entries for u1, got %d", len(byUser))
	}
	failures := a.GetAuditLogs(AuditFilter{Outcome: OutcomeFailure})
	if len(failures) != 1 || failures[0].EventType != EventExport {
		t.Errorf("outcome filter: got %+v", failures)
	}
	window := a.GetAuditLogs(AuditFilter{
		StartDate: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 1, 9, 1, 30, 0, time.UTC),
	})
	if len(window) != 1 || window[0].UserID != "u2" {
		t.Errorf("date filter: got %+v", window)
	}
	if limited := a.GetAuditLogs(AuditFilter{Limit: 1}); len(limited) != 1 || limited[0].ID != last {
		t.Errorf("limit: got %+v", limited)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := newTestAuditLogger(t, AuditLoggerConfig{RetentionDays: 30}, testLogger(), WithAuditClock(clock.Now))
	ctx := context.Background()

	if _, err := a.LogEvent(ctx, AuditEvent{EventType: EventLogin, UserID: "u1", Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20 * 24 * time.Hour)
	if _, err := a.LogEvent(ctx, AuditEvent{EventType: EventLogout, UserID: "u1", Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}

	if n := a.CleanupOldLogs(); n != 0 {
		t.Errorf("nothing should be purged yet, removed %d", n)
	}

	clock.Advance(15 * 24 * time.Hour)
	if n := a.CleanupOldLogs(); n != 1 {
		t.Errorf("expected 1 entry purged, got %d", n)
	}
	if s := a.Stats(); s.TotalLogs != 1 || s.LogsByEventType["logout"] != 1 {
		t.Errorf("unexpected stats after cleanup: %+v", s)
	}
}

func TestStats(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := newTestAuditLogger(t, AuditLoggerConfig{}, testLogger(), WithAuditClock(clock.Now))

	if s := a.Stats(); s.TotalLogs != 0 || s.OldestLog != nil {
		t.Errorf("empty stats: %+v", s)
	}

	start := clock.Now()
	for _, out := range []Outcome{OutcomeSuccess, OutcomeSuccess, OutcomeWarning} {
		if _, err := a.LogEvent(context.Background(), AuditEvent{EventType: EventAccess, Outcome: out}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Hour)
	}

	s := a.Stats()
	if s.TotalLogs != 3 || s.LogsByOutcome["success"] != 2 || s.LogsByOutcome["warning"] != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if !s.OldestLog.Equal(start) || !s.NewestLog.Equal(start.Add(2*time.Hour)) {
		t.Errorf("oldest/newest: %v / %v", s.OldestLog, s.NewestLog)
	}
}

func TestLogEvent_ComprehensiveMasksPHI(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditLogger(t, AuditLoggerConfig{Level: AuditComprehensive}, zerolog.New(&buf))

	_, err := a.LogEvent(context.Background(), AuditEvent{
		EventType: EventAccess,
		UserID:    "u1",
		PatientID: "patient-12345",
		Action:    "read",
		Outcome:   OutcomeSuccess,
		Details:   map[string]any{"ssn": "123-45-6789", "reason": "treatment"},
	})
	if err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if strings.Contains(out, "patient-12345") {
		t.Error("patient id leaked into comprehensive log")
	}
	if strings.Contains(out, "123-45-6789") {
		t.Error("ssn leaked into comprehensive log")
	}
	if !strings.Contains(out, "treatment") {
		t.Error("non-PHI detail should be logged")
	}
}

func TestLogEvent_MinimalOmitsUser(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAuditLogger(t, AuditLoggerConfig{Level: AuditMinimal}, zerolog.New(&buf))

	if _, err := a.LogEvent(context.Background(), AuditEvent{EventType: EventLogin, UserID: "dr-house", Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "dr-house") {
		t.Error("minimal level should not log the user id")
	}
}

func TestLogEvent_DeliversThroughQueue(t *testing.T) {
	q := worker.New(testLogger(), worker.WithWorkers(1))
	defer q.Close(context.Background())

	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("endpoint down")}

	a := newTestAuditLogger(t, AuditLoggerConfig{AutomaticReporting: true}, testLogger(),
		WithSink(ok), WithSink(failing), WithTaskQueue(q))

	id, err := a.LogEvent(context.Background(), AuditEvent{EventType: EventCreate, UserID: "u1", Outcome: OutcomeSuccess})
	if err != nil {
		t.Fatalf("delivery failures must not surface: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if ok.count() != 1 || ok.entries[0].ID != id {
		t.Errorf("sink did not receive entry %s", id)
	}
	if q.Stats().Failed != 1 {
		t.Errorf("expected one failed delivery task, got %d", q.Stats().Failed)
	}
	if _, found := a.GetAuditLog(id); !found {
		t.Error("local entry must survive remote failure")
	}
}

func TestLogEvent_ReportingDisabled(t *testing.T) {
	q := worker.New(testLogger())
	defer q.Close(context.Background())

	sink := &recordingSink{}
	a := newTestAuditLogger(t, AuditLoggerConfig{AutomaticReporting: false}, testLogger(), WithSink(sink), WithTaskQueue(q))

	if _, err := a.LogEvent(context.Background(), AuditEvent{EventType: EventAccess, Outcome: OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 0 {
		t.Error("sink should not be used when automatic reporting is off")
	}
}
