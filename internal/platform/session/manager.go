package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/metrics"
)

type entry struct {
	Session
	seq uint64
}

// Manager owns all sessions. Every mutation happens under one mutex; hooks
// run after it is released.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*entry
	byUser   map[string]map[string]struct{}
	seq      uint64
	timers   map[string]*time.Timer

	now     func() time.Time
	rand    io.Reader
	hook    EventHook
	metrics *metrics.Recorder
	logger  zerolog.Logger

	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRandReader replaces crypto/rand as the source of session id entropy.
func WithRandReader(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// WithEventHook installs a lifecycle event hook.
func WithEventHook(h EventHook) Option {
	return func(m *Manager) { m.hook = h }
}

// WithMetrics records active and terminated session counts.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// NewManager creates a Manager. The sweep is not running until Start.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		byUser:   make(map[string]map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		now:      func() time.Time { return time.Now().UTC() },
		rand:     rand.Reader,
		logger:   logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateSession opens a session for userID. When the user is at the
// concurrency limit the oldest active session is terminated, but only once
// the new session's id has been generated.
func (m *Manager) CreateSession(userID, role string, permissions []string, opts CreateOptions) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("creating session: user id is required")
	}

	m.mu.Lock()
	id, err := m.newIDLocked()
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}

	var events []Event
	if m.cfg.MaxConcurrent > 0 {
		active := m.activeForUserLocked(userID)
		if len(active) >= m.cfg.MaxConcurrent {
			oldest := active[0]
			for _, e := range active[1:] {
				if e.CreatedAt.Before(oldest.CreatedAt) ||
					(e.CreatedAt.Equal(oldest.CreatedAt) && e.seq < oldest.seq) {
					oldest = e
				}
			}
			if ev, ok := m.terminateLocked(oldest.ID, ReasonConcurrentLimit); ok {
				events = append(events, ev)
			}
		}
	}

	now := m.now()
	m.seq++
	e := &entry{
		Session: Session{
			ID:           id,
			UserID:       userID,
			UserRole:     role,
			Permissions:  append([]string{}, permissions...),
			CreatedAt:    now,
			LastActivity: now,
			ExpiresAt:    now.Add(m.cfg.MaxDuration),
			IPAddress:    opts.IPAddress,
			UserAgent:    opts.UserAgent,
			IsActive:     true,
			Metadata:     copyMap(opts.Metadata),
		},
		seq: m.seq,
	}
	m.sessions[id] = e
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][id] = struct{}{}
	out := e.clone()
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.metrics.ActiveSessions(active)
	m.logger.Info().
		Str("session_id", id).
		Str("user_id", userID).
		Str("role", role).
		Time("expires_at", out.ExpiresAt).
		Str("ip", opts.IPAddress).
		Msg("session created")

	events = append(events, Event{
		Type:      EventCreated,
		SessionID: id,
		UserID:    userID,
		UserRole:  role,
		IPAddress: opts.IPAddress,
		UserAgent: opts.UserAgent,
		Timestamp: now,
	})
	m.emit(events)
	return out, nil
}

// ValidateSession checks existence, active state, absolute expiry, idle
// timeout and, under secure transport, IP consistency, in that order. A
// failed expiry, idle or IP check terminates the session. On success the
// last activity time is refreshed.
func (m *Manager) ValidateSession(id, ipAddress string) (Session, bool) {
	m.mu.Lock()
	out, events, ok := m.validateLocked(id, ipAddress)
	m.mu.Unlock()

	m.afterChange(events)
	return out, ok
}

func (m *Manager) validateLocked(id, ipAddress string) (Session, []Event, bool) {
	e, ok := m.sessions[id]
	if !ok {
		m.logger.Debug().Str("session_id", id).Msg("session validation failed: not found")
		return Session{}, nil, false
	}
	if !e.IsActive {
		m.logger.Debug().Str("session_id", id).Msg("session validation failed: inactive")
		return Session{}, nil, false
	}

	now := m.now()
	reason := ""
	switch {
	case !now.Before(e.ExpiresAt):
		reason = ReasonExpired
		m.logger.Warn().Str("session_id", id).Str("user_id", e.UserID).Msg("session validation failed: expired")
	case m.idle(e, now):
		reason = ReasonIdleTimeout
		m.logger.Warn().
			Str("session_id", id).
			Str("user_id", e.UserID).
			Dur("idle", now.Sub(e.LastActivity)).
			Msg("session validation failed: idle timeout")
	case m.cfg.SecureTransport && e.IPAddress != "" && ipAddress != "" && e.IPAddress != ipAddress:
		reason = ReasonIPMismatch
		m.logger.Warn().
			Str("session_id", id).
			Str("user_id", e.UserID).
			Str("original_ip", e.IPAddress).
			Str("current_ip", ipAddress).
			Msg("session validation failed: ip mismatch")
	}
	if reason != "" {
		ev, _ := m.terminateLocked(id, reason)
		return Session{}, []Event{ev}, false
	}

	e.LastActivity = now
	return e.clone(), []Event{{
		Type:      EventActivity,
		SessionID: id,
		UserID:    e.UserID,
		UserRole:  e.UserRole,
		IPAddress: ipAddress,
		Timestamp: now,
	}}, true
}

func (m *Manager) idle(e *entry, now time.Time) bool {
	return m.cfg.IdleTimeout > 0 && now.Sub(e.LastActivity) > m.cfg.IdleTimeout
}

// RenewSession validates the session and, when it expires within
// RenewBeforeExpiry, extends it to now plus MaxDuration. A session further
// from expiry is returned unchanged apart from its activity time.
func (m *Manager) RenewSession(id string) (Session, bool) {
	m.mu.Lock()
	out, events, ok := m.validateLocked(id, "")
	if !ok {
		m.mu.Unlock()
		m.afterChange(events)
		return Session{}, false
	}

	now := m.now()
	e := m.sessions[id]
	renewed := false
	if !e.ExpiresAt.After(now.Add(m.cfg.RenewBeforeExpiry)) {
		e.ExpiresAt = now.Add(m.cfg.MaxDuration)
		out = e.clone()
		renewed = true
		events = append(events, Event{
			Type:      EventRenewed,
			SessionID: id,
			UserID:    e.UserID,
			UserRole:  e.UserRole,
			Timestamp: now,
		})
	}
	m.mu.Unlock()

	if renewed {
		m.logger.Info().Str("session_id", id).Str("user_id", out.UserID).Time("expires_at", out.ExpiresAt).Msg("session renewed")
	}
	m.emit(events)
	return out, true
}

// TerminateSession ends a session. An empty reason is recorded as manual.
// It returns false for unknown or already terminated sessions.
func (m *Manager) TerminateSession(id, reason string) bool {
	if reason == "" {
		reason = ReasonManual
	}
	m.mu.Lock()
	ev, ok := m.terminateLocked(id, reason)
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.afterChange([]Event{ev})
	return true
}

// TerminateUserSessions ends every active session of userID except the one
// named by except, and returns how many were terminated.
func (m *Manager) TerminateUserSessions(userID, except string) int {
	m.mu.Lock()
	var events []Event
	for id := range m.byUser[userID] {
		if id == except {
			continue
		}
		if ev, ok := m.terminateLocked(id, ReasonUserSessions); ok {
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	if len(events) > 0 {
		m.logger.Info().Str("user_id", userID).Int("terminated", len(events)).Msg("user sessions terminated")
	}
	m.afterChange(events)
	return len(events)
}

func (m *Manager) terminateLocked(id, reason string) (Event, bool) {
	e, ok := m.sessions[id]
	if !ok || !e.IsActive {
		return Event{}, false
	}
	now := m.now()
	e.IsActive = false
	e.TerminatedAt = &now
	e.TerminationReason = reason

	if ids := m.byUser[e.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byUser, e.UserID)
		}
	}
	m.schedulePurgeLocked(id)

	m.logger.Info().Str("session_id", id).Str("user_id", e.UserID).Str("reason", reason).Msg("session terminated")
	return Event{
		Type:      EventTerminated,
		SessionID: id,
		UserID:    e.UserID,
		UserRole:  e.UserRole,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Reason:    reason,
		Timestamp: now,
	}, true
}

func (m *Manager) schedulePurgeLocked(id string) {
	if m.cfg.GracePeriod <= 0 {
		delete(m.sessions, id)
		return
	}
	m.timers[id] = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.sessions[id]; ok && !e.IsActive {
			delete(m.sessions, id)
		}
		delete(m.timers, id)
	})
}

// GetUserSessions returns the user's active sessions ordered by creation.
func (m *Manager) GetUserSessions(userID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeForUserLocked(userID)
	sort.Slice(active, func(i, j int) bool { return active[i].seq < active[j].seq })
	out := make([]Session, len(active))
	for i, e := range active {
		out[i] = e.clone()
	}
	return out
}

func (m *Manager) activeForUserLocked(userID string) []*entry {
	var out []*entry
	for id := range m.byUser[userID] {
		if e, ok := m.sessions[id]; ok && e.IsActive {
			out = append(out, e)
		}
	}
	return out
}

// GetSession returns a session including its metadata, without validating it.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.clone(), true
}

// GetSessionInfo returns a session without its metadata.
func (m *Manager) GetSessionInfo(id string) (Session, bool) {
	s, ok := m.GetSession(id)
	s.Metadata = nil
	return s, ok
}

// ActiveSessions lists unexpired active sessions without metadata, most
// recently active first.
func (m *Manager) ActiveSessions() []Session {
	m.mu.Lock()
	now := m.now()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.IsActive && now.Before(e.ExpiresAt) {
			s := e.clone()
			s.Metadata = nil
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// UpdateSessionPermissions replaces an active session's permissions.
func (m *Manager) UpdateSessionPermissions(id string, permissions []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !e.IsActive {
		return false
	}
	e.Permissions = append([]string{}, permissions...)
	e.LastActivity = m.now()

	m.logger.Info().Str("session_id", id).Str("user_id", e.UserID).Int("permissions", len(permissions)).Msg("session permissions updated")
	return true
}

// SetMetadata merges values into an active session's metadata.
func (m *Manager) SetMetadata(id string, values map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !e.IsActive {
		return false
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, len(values))
	}
	for k, v := range values {
		e.Metadata[k] = v
	}
	return true
}

// HasPermission reports whether an active session holds permission, either
// exactly or through the "*" wildcard.
func (m *Manager) HasPermission(id, permission string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || !e.IsActive {
		return false
	}
	for _, p := range e.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// Stats reports counts over every stored session, terminated ones included
// until they are purged. AverageSessionDuration is in whole minutes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := Stats{
		TotalSessions:   len(m.sessions),
		UserCount:       len(m.byUser),
		SessionsPerUser: make(map[string]int),
	}
	var total time.Duration
	for _, e := range m.sessions {
		if e.IsActive && now.Before(e.ExpiresAt) {
			s.ActiveSessions++
		} else {
			s.ExpiredSessions++
		}
		total += e.LastActivity.Sub(e.CreatedAt)
		s.SessionsPerUser[e.UserID]++
	}
	if s.TotalSessions > 0 {
		s.AverageSessionDuration = int((total / time.Duration(s.TotalSessions)).Round(time.Minute) / time.Minute)
	}
	return s
}

// Sweep terminates active sessions past their absolute or idle limit and
// purges terminated sessions whose grace period has elapsed. It returns the
// number terminated and purged.
func (m *Manager) Sweep() (terminated, purged int) {
	m.mu.Lock()
	now := m.now()
	var events []Event
	for id, e := range m.sessions {
		if !e.IsActive {
			if e.TerminatedAt != nil && !now.Before(e.TerminatedAt.Add(m.cfg.GracePeriod)) {
				delete(m.sessions, id)
				if t, ok := m.timers[id]; ok {
					t.Stop()
					delete(m.timers, id)
				}
				purged++
			}
			continue
		}
		reason := ""
		if !now.Before(e.ExpiresAt) {
			reason = ReasonExpired
		} else if m.idle(e, now) {
			reason = ReasonIdleTimeout
		}
		if reason == "" {
			continue
		}
		if ev, ok := m.terminateLocked(id, reason); ok {
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	if len(events) > 0 || purged > 0 {
		m.logger.Info().Int("terminated", len(events)).Int("purged", purged).Msg("session sweep")
	}
	m.afterChange(events)
	return len(events), purged
}

// Start runs Sweep every CleanupInterval until Stop or ctx is done.
// Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stop != nil || m.cfg.CleanupInterval <= 0 {
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.sweepLoop(ctx, m.stop, m.stopped)
	m.logger.Info().Dur("interval", m.cfg.CleanupInterval).Msg("session sweep started")
}

// Stop halts the sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	stop, stopped := m.stop, m.stopped
	m.stop, m.stopped = nil, nil
	m.runMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-stopped
	m.logger.Info().Msg("session sweep stopped")
}

func (m *Manager) sweepLoop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.safeSweep()
		}
	}
}

func (m *Manager) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("session sweep failed")
		}
	}()
	m.Sweep()
}

// Shutdown stops the sweep, terminates every active session with reason
// system_shutdown and cancels pending purge timers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()

	m.mu.Lock()
	var events []Event
	for id, e := range m.sessions {
		if !e.IsActive {
			continue
		}
		if ev, ok := m.terminateLocked(id, ReasonShutdown); ok {
			events = append(events, ev)
		}
	}
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.afterChange(events)
	m.logger.Info().Int("terminated", len(events)).Msg("session manager shutdown complete")
	return ctx.Err()
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, e := range m.sessions {
		if e.IsActive {
			n++
		}
	}
	return n
}

// afterChange refreshes metrics and delivers events.
func (m *Manager) afterChange(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.metrics.ActiveSessions(active)
	m.emit(events)
}

func (m *Manager) emit(events []Event) {
	for _, ev := range events {
		if ev.Type == EventTerminated {
			m.metrics.SessionTerminated(ev.Reason)
		}
		if m.hook == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("session event hook failed")
				}
			}()
			m.hook(ev)
		}()
	}
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func (m *Manager) newIDLocked() (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		suffix := make([]byte, 24)
		for i := range suffix {
			n, err := rand.Int(m.rand, big.NewInt(int64(len(base36))))
			if err != nil {
				return "", fmt.Errorf("generating session id: %w", err)
			}
			suffix[i] = base36[n.Int64()]
		}
		id := fmt.Sprintf("sess_%s_%s_%s",
			strings.ReplaceAll(uuid.NewString(), "-", ""),
			strconv.FormatInt(m.now().UnixMilli(), 36),
			suffix)
		if len(id) > m.cfg.TokenLength {
			id = id[:m.cfg.TokenLength]
		}
		if _, exists := m.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("generating session id: collision")
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
