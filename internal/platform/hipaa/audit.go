package hipaa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/worker"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventAccess EventType = "access"
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	EventExport EventType = "export"
	EventLogin  EventType = "login"
	EventLogout EventType = "logout"
)

// Outcome is the result recorded on an audit entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// AuditLevel controls how much of each entry is echoed to the process log.
type AuditLevel string

const (
	AuditMinimal       AuditLevel = "minimal"
	AuditStandard      AuditLevel = "standard"
	AuditComprehensive AuditLevel = "comprehensive"
)

var (
	// ErrInvalidAuditEvent is returned for events with an unknown type or outcome.
	ErrInvalidAuditEvent = errors.New("invalid audit event")
	// ErrInvalidAuditLevel is returned for an unknown detail level.
	ErrInvalidAuditLevel = errors.New("invalid audit level")
)

// ParseAuditLevel validates a level name. Empty means standard.
func ParseAuditLevel(s string) (AuditLevel, error) {
	switch AuditLevel(s) {
	case "":
		return AuditStandard, nil
	case AuditMinimal, AuditStandard, AuditComprehensive:
		return AuditLevel(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAuditLevel, s)
}

func validEventType(t EventType) bool {
	switch t {
	case EventAccess, EventCreate, EventUpdate, EventDelete, EventExport, EventLogin, EventLogout:
		return true
	}
	return false
}

func validOutcome(o Outcome) bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeWarning
}

// AuditEvent is the caller-supplied part of an audit entry.
type AuditEvent struct {
	EventType    EventType      `json:"eventType"`
	UserID       string         `json:"userId"`
	PatientID    string         `json:"patientId,omitempty"`
	Action       string         `json:"action"`
	Outcome      Outcome        `json:"outcome"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// AuditEntry is a stored, immutable audit record.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AuditEvent
}

// AuditFilter narrows GetAuditLogs. Zero fields match everything.
type AuditFilter struct {
	UserID       string
	PatientID    string
	EventType    EventType
	Outcome      Outcome
	Action       string
	ResourceType string
	StartDate    time.Time
	EndDate      time.Time
	Limit        int
}

// AuditStats summarizes the in-memory store.
type AuditStats struct {
	TotalLogs       int            `json:"totalLogs"`
	LogsByEventType map[string]int `json:"logsByEventType"`
	LogsByOutcome   map[string]int `json:"logsByOutcome"`
	OldestLog       *time.Time     `json:"oldestLog,omitempty"`
	NewestLog       *time.Time     `json:"newestLog,omitempty"`
}

// AuditSink receives a copy of every entry for remote or durable storage.
type AuditSink interface {
	Name() string
	Deliver(ctx context.Context, entry AuditEntry) error
}

// TaskSubmitter runs background work. *worker.Queue implements it.
type TaskSubmitter interface {
	Submit(name string, fn worker.TaskFunc) bool
}

// AuditLoggerConfig configures an AuditLogger.
type AuditLoggerConfig struct {
	Level              AuditLevel
	RetentionDays      int
	AutomaticReporting bool
}

// AuditLogger records compliance-relevant events in memory, echoes them to
// the process log at the configured detail level, and forwards them to sinks
// in the background.
type AuditLogger struct {
	cfg     AuditLoggerConfig
	masker  *Masker
	logger  zerolog.Logger
	now     func() time.Time
	sinks   []AuditSink
	queue   TaskSubmitter
	metrics *metrics.Recorder

	mu      sync.RWMutex
	entries map[string]AuditEntry
	entropy io.Reader
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditClock overrides the time source.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditLogger) {
		a.now = now
	}
}

// WithSink adds a delivery target. Sinks are only used when automatic
// reporting is enabled.
func WithSink(s AuditSink) AuditOption {
	return func(a *AuditLogger) {
		a.sinks = append(a.sinks, s)
	}
}

// WithTaskQueue sets the queue used for sink delivery. Without one, delivery
// runs on a detached goroutine.
func WithTaskQueue(q TaskSubmitter) AuditOption {
	return func(a *AuditLogger) {
		a.queue = q
	}
}

// WithAuditMetrics records event and delivery failure counters.
func WithAuditMetrics(r *metrics.Recorder) AuditOption {
	return func(a *AuditLogger) {
		a.metrics = r
	}
}

// NewAuditLogger creates an audit logger. Masking of comprehensive log
// output is delegated to masker.
func NewAuditLogger(cfg AuditLoggerConfig, masker *Masker, logger zerolog.Logger, opts ...AuditOption) (*AuditLogger, error) {
	level, err := ParseAuditLevel(string(cfg.Level))
	if err != nil {
		return nil, err
	}
	cfg.Level = level
	if masker == nil {
		return nil, fmt.Errorf("audit logger: masker is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = NewRetentionService(DefaultRetentionPolicies(), logger).PurgeDays(auditLogResource)
	}

	a := &AuditLogger{
		cfg:     cfg,
		masker:  masker,
		logger:  logger.With().Str("component", "hipaa-audit").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]AuditEntry),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RetentionDays returns the configured retention period.
func (a *AuditLogger) RetentionDays() int {
	return a.cfg.RetentionDays
}

// LogEvent stores the event and returns its id. Sink delivery happens in the
// background and never delays or fails the call.
func (a *AuditLogger) LogEvent(ctx context.Context, event AuditEvent) (string, error) {
	if !validEventType(event.EventType) {
		return "", fmt.Errorf("%w: event type %q", ErrInvalidAuditEvent, event.EventType)
	}
	if !validOutcome(event.Outcome) {
		return "", fmt.Errorf("%w: outcome %q", ErrInvalidAuditEvent, event.Outcome)
	}

	event.Details = copyDetails(event.Details)

	a.mu.Lock()
	ts := a.now()
	id, err := ulid.New(ulid.Timestamp(ts), a.entropy)
	if err != nil {
		a.mu.Unlock()
		return "", fmt.Errorf("hipaa audit: generate id: %w", err)
	}
	entry := AuditEntry{ID: id.String(), Timestamp: ts, AuditEvent: event}
	a.entries[entry.ID] = entry
	a.mu.Unlock()

	a.metrics.AuditEvent(string(entry.EventType), string(entry.Outcome))
	a.echo(entry)

	if a.cfg.AutomaticReporting {
		for _, sink := range a.sinks {
			a.deliver(sink, entry)
		}
	}
	return entry.ID, nil
}

func (a *AuditLogger) echo(e AuditEntry) {
	switch a.cfg.Level {
	case AuditMinimal:
		a.logger.Info().
			Str("id", e.ID).
			Str("event_type", string(e.EventType)).
			Str("outcome", string(e.Outcome)).
			Msg("hipaa audit")
	case AuditStandard:
		a.logger.Info().
			Str("id", e.ID).
			Str("event_type", string(e.EventType)).
			Str("user_id", e.UserID).
			Str("action", e.Action).
			Str("outcome", string(e.Outcome)).
			Time("timestamp", e.Timestamp).
			Msg("hipaa audit")
	case AuditComprehensive:
		ev := a.logger.Info().
			Str("id", e.ID).
			Str("event_type", string(e.EventType)).
			Str("user_id", e.UserID).
			Str("action", e.Action).
			Str("outcome", string(e.Outcome)).
			Time("timestamp", e.Timestamp).
			Str("resource_type", e.ResourceType).
			Str("resource_id", e.ResourceID).
			Str("session_id", e.SessionID).
			Str("ip_address", e.IPAddress).
			Str("user_agent", e.UserAgent)
		if e.PatientID != "" {
			ev = ev.Str("patient_id", a.masker.MaskString(e.PatientID, "patientId"))
		}
		if e.Details != nil {
			ev = ev.Interface("details", a.masker.MaskFields(e.Details, auditDetailFields...))
		}
		ev.Msg("hipaa audit")
	}
}

func (a *AuditLogger) deliver(sink AuditSink, entry AuditEntry) {
	name := "audit-deliver-" + sink.Name()
	run := func(ctx context.Context) error {
		if err := sink.Deliver(ctx, entry); err != nil {
			a.metrics.DeliveryFailed(sink.Name())
			a.logger.Error().Err(err).Str("sink", sink.Name()).Str("id", entry.ID).Msg("audit delivery failed")
			return err
		}
		return nil
	}

	if a.queue != nil {
		if !a.queue.Submit(name, run) {
			a.metrics.DeliveryFailed(sink.Name())
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = run(ctx)
	}()
}

// GetAuditLogs returns matching entries, newest first.
func (a *AuditLogger) GetAuditLogs(f AuditFilter) []AuditEntry {
	a.mu.RLock()
	out := make([]AuditEntry, 0, len(a.entries))
	for _, e := range a.entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.PatientID != "" && e.PatientID != f.PatientID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if !f.StartDate.IsZero() && e.Timestamp.Before(f.StartDate) {
			continue
		}
		if !f.EndDate.IsZero() && e.Timestamp.After(f.EndDate) {
			continue
		}
		e.Details = copyDetails(e.Details)
		out = append(out, e)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetAuditLog returns a single entry.
func (a *AuditLogger) GetAuditLog(id string) (AuditEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[id]
	if ok {
		e.Details = copyDetails(e.Details)
	}
	return e, ok
}

// CleanupOldLogs removes entries older than the retention period and returns
// how many were removed. It only runs when called.
func (a *AuditLogger) CleanupOldLogs() int {
	cutoff := a.now().AddDate(0, 0, -a.cfg.RetentionDays)

	a.mu.Lock()
	removed := 0
	for id, e := range a.entries {
		if e.Timestamp.Before(cutoff) {
			delete(a.entries, id)
			removed++
		}
	}
	a.mu.Unlock()

	if removed > 0 {
		a.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("cleaned up old audit logs")
	}
	return removed
}

// Stats reports totals by event type and outcome.
func (a *AuditLogger) Stats() AuditStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := AuditStats{
		TotalLogs:       len(a.entries),
		LogsByEventType: make(map[string]int),
		LogsByOutcome:   make(map[string]int),
	}
	for _, e := range a.entries {
		stats.LogsByEventType[string(e.EventType)]++
		stats.LogsByOutcome[string(e.Outcome)]++

		ts := e.Timestamp
		if stats.OldestLog == nil || ts.Before(*stats.OldestLog) {
			stats.OldestLog = &ts
		}
		if stats.NewestLog == nil || ts.After(*stats.NewestLog) {
			t := ts
			stats.NewestLog = &t
		}
	}
	return stats
}

func copyDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyDetails(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = copyValue(item)
		}
		return items
	default:
		return v
	}
}
