package session

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
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

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) hook(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, mutate func(*Config), opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.GracePeriod = time.Hour // purge through Sweep only
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	m, err := NewManager(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, clk
}

func TestNewManager_InvalidConfig(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"negative duration": func(c *Config) { c.MaxDuration = -time.Second },
		"negative idle":     func(c *Config) { c.IdleTimeout = -time.Second },
		"short token":       func(c *Config) { c.TokenLength = 8 },
		"negative limit":    func(c *Config) { c.MaxConcurrent = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := NewManager(cfg, zerolog.Nop())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestCreateSession(t *testing.T) {
	m, clk := newTestManager(t, nil)

	s, err := m.CreateSession("u1", "physician", []string{"Patient:read"}, CreateOptions{
		IPAddress: "10.0.0.1",
		UserAgent: "Mozilla/5.0",
		Metadata:  map[string]any{"department": "cardiology"},
	})
	require.NoError(t, err)

	assert.Len(t, s.ID, 64)
	assert.Contains(t, s.ID, "sess_")
	assert.True(t, s.IsActive)
	assert.Equal(t, clk.Now(), s.CreatedAt)
	assert.Equal(t, clk.Now().Add(8*time.Hour), s.ExpiresAt)
	assert.Equal(t, []string{"Patient:read"}, s.Permissions)
	assert.Equal(t, "10.0.0.1", s.IPAddress)
	assert.Equal(t, "cardiology", s.Metadata["department"])

	_, err = m.CreateSession("", "nurse", nil, CreateOptions{})
	assert.Error(t, err)
}

func TestValidateSession_Fresh(t *testing.T) {
	m, clk := newTestManager(t, nil)
	s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	got, ok := m.ValidateSession(s.ID, "")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), got.LastActivity)
	assert.Equal(t, s.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, s.CreatedAt, got.CreatedAt)
}

func TestValidateSession_ZeroDurationExpiresImmediately(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.MaxDuration = 0 })
	s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	_, ok := m.ValidateSession(s.ID, "")
	assert.False(t, ok)

	info, found := m.GetSessionInfo(s.ID)
	require.True(t, found, "terminated session is kept during the grace period")
	assert.False(t, info.IsActive)
	assert.Equal(t, ReasonExpired, info.TerminationReason)
}

func TestValidateSession_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		act    func(clk *fakeClock)
		ip     string
		reason string
	}{
		{
			name:   "absolute expiry",
			mutate: func(c *Config) { c.MaxDuration = time.Hour; c.IdleTimeout = 0 },
			act:    func(clk *fakeClock) { clk.Advance(time.Hour) },
			reason: ReasonExpired,
		},
		{
			name:   "idle timeout",
			act:    func(clk *fakeClock) { clk.Advance(31 * time.Minute) },
			reason: ReasonIdleTimeout,
		},
		{
			name:   "ip mismatch",
			act:    func(*fakeClock) {},
			ip:     "10.9.9.9",
			reason: ReasonIPMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &eventLog{}
			m, clk := newTestManager(t, tt.mutate, WithEventHook(events.hook))
			s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{IPAddress: "10.0.0.1"})
			require.NoError(t, err)

			tt.act(clk)
			_, ok := m.ValidateSession(s.ID, tt.ip)
			assert.False(t, ok)

			terminated := events.ofType(EventTerminated)
			require.Len(t, terminated, 1)
			assert.Equal(t, tt.reason, terminated[0].Reason)

			// terminal state is permanent
			_, ok = m.ValidateSession(s.ID, "")
			assert.False(t, ok)
		})
	}
}

func TestValidateSession_IdleBoundary(t *testing.T) {
	m, clk := newTestManager(t, nil)
	s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	_, ok := m.ValidateSession(s.ID, "")
	assert.True(t, ok, "idle time equal to the limit is allowed")

	clk.Advance(29 * time.Minute)
	_, ok = m.ValidateSession(s.ID, "")
	assert.True(t, ok, "activity resets the idle timer")
}

func TestValidateSession_IPCheckRequiresSecureTransport(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.SecureTransport = false })
	s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	_, ok := m.ValidateSession(s.ID, "10.9.9.9")
	assert.True(t, ok)

	m2, _ := newTestManager(t, nil)
	s2, err := m2.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)
	_, ok = m2.ValidateSession(s2.ID, "10.9.9.9")
	assert.True(t, ok, "no recorded ip means no comparison")
}

func TestValidateSession_Unknown(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, ok := m.ValidateSession("sess_missing", "")
	assert.False(t, ok)
}

func TestConcurrencyEviction(t *testing.T) {
	events := &eventLog{}
	m, clk := newTestManager(t, nil, WithEventHook(events.hook))

	var ids []string
	for i := 0; i < 4; i++ {
		s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
		if i%2 == 0 {
			clk.Advance(time.Second)
		}
	}

	active := m.GetUserSessions("u1")
	require.Len(t, active, 3)
	for _, s := range active {
		assert.NotEqual(t, ids[0], s.ID)
	}

	terminated := events.ofType(EventTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, ids[0], terminated[0].SessionID)
	assert.Equal(t, ReasonConcurrentLimit, terminated[0].Reason)
}

type switchableReader struct {
	mu   sync.Mutex
	fail bool
}

func (r *switchableReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, errors.New("entropy unavailable")
	}
	return rand.Read(p)
}

func TestConcurrencyEviction_KeepsSessionsWhenIDGenerationFails(t *testing.T) {
	events := &eventLog{}
	src := &switchableReader{}
	m, _ := newTestManager(t, func(c *Config) { c.MaxConcurrent = 2 }, WithEventHook(events.hook), WithRandReader(src))

	for i := 0; i < 2; i++ {
		_, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
		require.NoError(t, err)
	}

	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	_, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.Error(t, err)
	assert.Len(t, m.GetUserSessions("u1"), 2)
	assert.Empty(t, events.ofType(EventTerminated))
}

func TestConcurrencyEviction_TieBreaksByCreationOrder(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.MaxConcurrent = 2 })

	first, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)
	second, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)
	_, err = m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	_, ok := m.ValidateSession(first.ID, "")
	assert.False(t, ok)
	_, ok = m.ValidateSession(second.ID, "")
	assert.True(t, ok)
}

func TestConcurrencyUnlimited(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.MaxConcurrent = 0 })
	for i := 0; i < 10; i++ {
		_, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
		require.NoError(t, err)
	}
	assert.Len(t, m.GetUserSessions("u1"), 10)
}

func TestRenewSession(t *testing.T) {
	events := &eventLog{}
	m, clk := newTestManager(t, nil, WithEventHook(events.hook))
	s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	got, ok := m.RenewSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ExpiresAt, got.ExpiresAt, "far from expiry renewal is a no-op")
	assert.Empty(t, events.ofType(EventRenewed))

	// walk to within the renewal window while staying under the idle limit
	for i := 0; i < 28; i++ {
		clk.Advance(15 * time.Minute)
		_, ok := m.ValidateSession(s.ID, "")
		require.True(t, ok)
	}
	got, ok = m.RenewSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(8*time.Hour), got.ExpiresAt)
	assert.Len(t, events.ofType(EventRenewed), 1)

	m.TerminateSession(s.ID, "")
	_, ok = m.RenewSession(s.ID)
	assert.False(t, ok)
}

func TestTerminateSession(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, m.TerminateSession(s.ID, ""))
	assert.False(t, m.TerminateSession(s.ID, "again"))
	assert.False(t, m.TerminateSession("sess_missing", ""))

	info, ok := m.GetSessionInfo(s.ID)
	require.True(t, ok)
	assert.Equal(t, ReasonManual, info.TerminationReason)
	assert.Empty(t, m.GetUserSessions("u1"))
}

func TestTerminateUserSessions(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.MaxConcurrent = 5 })

	var keep string
	for i := 0; i < 3; i++ {
		s, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
		require.NoError(t, err)
		keep = s.ID
	}
	_, err := m.CreateSession("u2", "nurse", nil, CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, m.TerminateUserSessions("u1", keep))
	remaining := m.GetUserSessions("u1")
	require.Len(t, remaining, 1)
	assert.Equal(t, keep, remaining[0].ID)
	assert.Len(t, m.GetUserSessions("u2"), 1)
	assert.Equal(t, 0, m.TerminateUserSessions("nobody", ""))
}

func TestPermissionsAndMetadata(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, err := m.CreateSession("u1", "nurse", []string{"Patient:read"}, CreateOptions{})
	require.NoError(t, err)

	assert.True(t, m.HasPermission(s.ID, "Patient:read"))
	assert.False(t, m.HasPermission(s.ID, "Patient:delete"))

	require.True(t, m.UpdateSessionPermissions(s.ID, []string{"*"}))
	assert.True(t, m.HasPermission(s.ID, "Patient:delete"))

	require.True(t, m.SetMetadata(s.ID, map[string]any{"mfaVerified": true}))
	full, _ := m.GetSession(s.ID)
	assert.Equal(t, true, full.Metadata["mfaVerified"])
	info, _ := m.GetSessionInfo(s.ID)
	assert.Nil(t, info.Metadata)

	m.TerminateSession(s.ID, "")
	assert.False(t, m.HasPermission(s.ID, "Patient:read"))
	assert.False(t, m.UpdateSessionPermissions(s.ID, nil))
	assert.False(t, m.SetMetadata(s.ID, map[string]any{"x": 1}))
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, err := m.CreateSession("u1", "nurse", []string{"a"}, CreateOptions{Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)

	s.Permissions[0] = "mutated"
	s.Metadata["k"] = "mutated"
	got, _ := m.GetSession(s.ID)
	assert.Equal(t, "a", got.Permissions[0])
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestActiveSessionsOrder(t *testing.T) {
	m, clk := newTestManager(t, nil)
	a, _ := m.CreateSession("u1", "nurse", nil, CreateOptions{Metadata: map[string]any{"k": "v"}})
	clk.Advance(time.Minute)
	b, _ := m.CreateSession("u2", "nurse", nil, CreateOptions{})
	clk.Advance(time.Minute)
	_, ok := m.ValidateSession(a.ID, "")
	require.True(t, ok)

	active := m.ActiveSessions()
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, b.ID, active[1].ID)
	assert.Nil(t, active[0].Metadata)
}

func TestSweep(t *testing.T) {
	m, clk := newTestManager(t, func(c *Config) { c.GracePeriod = time.Minute })
	idle, _ := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	busy, _ := m.CreateSession("u2", "nurse", nil, CreateOptions{})

	clk.Advance(20 * time.Minute)
	_, ok := m.ValidateSession(busy.ID, "")
	require.True(t, ok)
	clk.Advance(15 * time.Minute)

	terminated, purged := m.Sweep()
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 0, purged)
	info, ok := m.GetSessionInfo(idle.ID)
	require.True(t, ok)
	assert.Equal(t, ReasonIdleTimeout, info.TerminationReason)

	clk.Advance(time.Minute)
	_, purged = m.Sweep()
	assert.Equal(t, 1, purged)
	_, ok = m.GetSessionInfo(idle.ID)
	assert.False(t, ok)
	_, ok = m.GetSessionInfo(busy.ID)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	m, clk := newTestManager(t, nil)
	a, _ := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	_, _ = m.CreateSession("u1", "nurse", nil, CreateOptions{})
	c, _ := m.CreateSession("u2", "nurse", nil, CreateOptions{})

	clk.Advance(20 * time.Minute)
	m.ValidateSession(a.ID, "")
	m.TerminateSession(c.ID, "")

	s := m.Stats()
	assert.Equal(t, 3, s.TotalSessions)
	assert.Equal(t, 2, s.ActiveSessions)
	assert.Equal(t, 1, s.ExpiredSessions)
	assert.Equal(t, 1, s.UserCount)
	assert.Equal(t, 2, s.SessionsPerUser["u1"])
	// (20 + 0 + 0) / 3 minutes rounds to 7
	assert.Equal(t, 7, s.AverageSessionDuration)
}

func TestShutdown(t *testing.T) {
	events := &eventLog{}
	m, _ := newTestManager(t, nil, WithEventHook(events.hook))
	_, _ = m.CreateSession("u1", "nurse", nil, CreateOptions{})
	_, _ = m.CreateSession("u2", "nurse", nil, CreateOptions{})

	m.Start(context.Background())
	require.NoError(t, m.Shutdown(context.Background()))

	terminated := events.ofType(EventTerminated)
	require.Len(t, terminated, 2)
	for _, ev := range terminated {
		assert.Equal(t, ReasonShutdown, ev.Reason)
	}
	assert.Empty(t, m.ActiveSessions())
}

func TestStartStop(t *testing.T) {
	m, clk := newTestManager(t, func(c *Config) { c.CleanupInterval = 5 * time.Millisecond })
	s, _ := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	clk.Advance(time.Hour)

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		info, ok := m.GetSessionInfo(s.ID)
		return ok && !info.IsActive
	}, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestHookPanicIsContained(t *testing.T) {
	m, _ := newTestManager(t, nil, WithEventHook(func(Event) { panic(errors.New("boom")) }))
	_, err := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	rec := metrics.New()
	m, _ := newTestManager(t, nil, WithMetrics(rec))
	s, _ := m.CreateSession("u1", "nurse", nil, CreateOptions{})
	_, _ = m.CreateSession("u2", "nurse", nil, CreateOptions{})
	m.TerminateSession(s.ID, ReasonManual)

	expected := `
# HELP sessions_active Currently active sessions.
# TYPE sessions_active gauge
sessions_active 1
# HELP sessions_terminated_total Terminated sessions by reason.
# TYPE sessions_terminated_total counter
sessions_terminated_total{reason="manual"} 1
`
	err := testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected),
		"sessions_active", "sessions_terminated_total")
	assert.NoError(t, err)
}
