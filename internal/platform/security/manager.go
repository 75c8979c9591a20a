// Package security composes RBAC, compliance validation, sessions, PHI
// masking, audit logging and key management behind one manager.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/compliance"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/session"
	"github.com/ehr/compliance/internal/platform/worker"
)

var (
	// ErrNotInitialized is returned by facade methods before Initialize.
	ErrNotInitialized = errors.New("security manager not initialized")
	// ErrSessionNotFound is returned for unknown or terminated sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Config gathers the settings of every component.
type Config struct {
	Session session.Config
	Audit   hipaa.AuditLoggerConfig

	// AuditEndpoint enables the HTTP audit sink when set.
	AuditEndpoint       string
	AuditEndpointSecret string
	AuditRemoteTimeout  time.Duration

	MaskChar            string
	EncryptionKey       string
	KeyRotationInterval time.Duration
	MFAIssuer           string

	// RetentionPolicies replaces hipaa.DefaultRetentionPolicies when non-nil.
	RetentionPolicies []hipaa.RetentionPolicy
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Session:             session.DefaultConfig(),
		Audit:               hipaa.AuditLoggerConfig{Level: hipaa.AuditStandard, AutomaticReporting: true},
		AuditRemoteTimeout:  5 * time.Second,
		MaskChar:            "*",
		KeyRotationInterval: 90 * 24 * time.Hour,
		MFAIssuer:           "EHR Compliance",
	}
}

// Manager owns the security components. Everything is built by Initialize;
// getters return nil until then.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	sinks   []hipaa.AuditSink

	mu          sync.RWMutex
	initialized bool
	queue       *worker.Queue
	careTeam    *auth.CareTeamRegistry
	rbac        *auth.RBACManager
	validator   *compliance.Validator
	masker      *hipaa.Masker
	retention   *hipaa.RetentionService
	keys        *hipaa.KeyService
	sessions    *session.Manager
	audit       *hipaa.AuditLogger
	mfa         *auth.MFAService
	revocations *auth.RevocationList
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records component metrics on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithAuditSink adds a durable audit sink such as hipaa.PGSink.
func WithAuditSink(s hipaa.AuditSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, s) }
}

// WithClock replaces time.Now in sessions, audit and retention.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager records the configuration. No component is built yet.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "security").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize builds every component and starts the session sweep. Calling
// it again is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	now := m.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	masker, err := hipaa.NewMasker(hipaa.MaskerConfig{MaskChar: m.cfg.MaskChar}, m.logger)
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}

	keys, err := hipaa.NewKeyService(hipaa.KeyServiceConfig{
		MasterKey:        m.cfg.EncryptionKey,
		RotationInterval: m.cfg.KeyRotationInterval,
	}, m.logger, hipaa.WithKeyClock(now))
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}

	policies := m.cfg.RetentionPolicies
	if policies == nil {
		policies = hipaa.DefaultRetentionPolicies()
	}
	retention := hipaa.NewRetentionService(policies, m.logger, hipaa.WithRetentionClock(now))

	queue := worker.New(m.logger,
		worker.WithWorkers(2),
		worker.WithTaskTimeout(2*m.remoteTimeout()),
		worker.WithFailureHook(func(name string, err error) {
			m.logger.Error().Err(err).Str("task", name).Msg("background task failed")
		}),
	)

	auditOpts := []hipaa.AuditOption{
		hipaa.WithAuditClock(now),
		hipaa.WithTaskQueue(queue),
		hipaa.WithAuditMetrics(m.metrics),
	}
	if m.cfg.AuditEndpoint != "" {
		var sinkOpts []hipaa.HTTPSinkOption
		if m.cfg.AuditEndpointSecret != "" {
			sinkOpts = append(sinkOpts, hipaa.WithSigningSecret(m.cfg.AuditEndpointSecret))
		}
		sink, err := hipaa.NewHTTPSink(m.cfg.AuditEndpoint, m.remoteTimeout(), sinkOpts...)
		if err != nil {
			_ = queue.Close(ctx)
			return fmt.Errorf("initialize security: %w", err)
		}
		auditOpts = append(auditOpts, hipaa.WithSink(sink))
	}
	for _, s := range m.sinks {
		auditOpts = append(auditOpts, hipaa.WithSink(s))
	}
	audit, err := hipaa.NewAuditLogger(m.cfg.Audit, masker, m.logger, auditOpts...)
	if err != nil {
		_ = queue.Close(ctx)
		return fmt.Errorf("initialize security: %w", err)
	}

	maxTokenAge := m.cfg.Session.MaxDuration
	if maxTokenAge <= 0 {
		maxTokenAge = 24 * time.Hour
	}
	revocations := auth.NewRevocationList(maxTokenAge, 10*time.Minute)

	sessions, err := session.NewManager(m.cfg.Session, m.logger,
		session.WithClock(now),
		session.WithMetrics(m.metrics),
		session.WithEventHook(m.sessionHook(audit, revocations)),
	)
	if err != nil {
		revocations.Close()
		_ = queue.Close(ctx)
		return fmt.Errorf("initialize security: %w", err)
	}

	careTeam := auth.NewCareTeamRegistry()
	m.careTeam = careTeam
	m.rbac = auth.NewRBACManager(m.logger, auth.WithCareTeam(careTeam), auth.WithRBACMetrics(m.metrics))
	m.validator = compliance.NewValidator(m.logger,
		compliance.WithMetrics(m.metrics),
		compliance.WithRuleOptions(compliance.RuleOptions{
			SessionIdleTimeout: ruleIdleTimeout(m.cfg.Session.IdleTimeout),
			Retention:          retentionCheck(retention),
		}),
	)
	m.masker = masker
	m.retention = retention
	m.keys = keys
	m.queue = queue
	m.audit = audit
	m.revocations = revocations
	m.sessions = sessions
	m.mfa = auth.NewMFAService(m.cfg.MFAIssuer, m.logger)
	m.initialized = true

	sessions.Start(ctx)
	m.logger.Info().
		Str("audit_level", string(m.cfg.Audit.Level)).
		Bool("remote_audit", m.cfg.AuditEndpoint != "").
		Bool("ephemeral_key", keys.Ephemeral()).
		Msg("security manager initialized with full compliance suite")
	return nil
}

func (m *Manager) remoteTimeout() time.Duration {
	if m.cfg.AuditRemoteTimeout > 0 {
		return m.cfg.AuditRemoteTimeout
	}
	return 5 * time.Second
}

// ruleIdleTimeout maps the session idle setting onto the compliance rule
// option, where zero means unknown and a negative value means disabled.
func ruleIdleTimeout(idle time.Duration) time.Duration {
	if idle == 0 {
		return -1
	}
	return idle
}

// retentionCheck answers the delete-time retention rule. Resource types
// without a policy of their own fall back to the clinical record policy.
func retentionCheck(svc *hipaa.RetentionService) compliance.RetentionCheck {
	return func(resourceType string, createdAt time.Time) (bool, time.Time) {
		if svc.GetPolicy(resourceType) == nil {
			resourceType = hipaa.ClinicalRecordResource
		}
		st := svc.CheckRetention(resourceType, createdAt)
		return st.State == hipaa.RetentionStatePurgeEligible, st.ExpiresAt
	}
}

// sessionHook turns session lifecycle events into login and logout audit
// entries and revokes outstanding tokens when all of a user's sessions end.
func (m *Manager) sessionHook(audit *hipaa.AuditLogger, revocations *auth.RevocationList) session.EventHook {
	return func(ev session.Event) {
		var event hipaa.AuditEvent
		switch ev.Type {
		case session.EventCreated:
			event = hipaa.AuditEvent{EventType: hipaa.EventLogin, Action: "session_created", Outcome: hipaa.OutcomeSuccess}
		case session.EventTerminated:
			event = hipaa.AuditEvent{EventType: hipaa.EventLogout, Action: "session_terminated", Outcome: hipaa.OutcomeSuccess}
			switch ev.Reason {
			case session.ReasonIPMismatch:
				event.Outcome = hipaa.OutcomeWarning
			case session.ReasonUserSessions:
				revocations.RevokeUser(ev.UserID)
			}
			event.Details = map[string]any{"reason": ev.Reason}
		default:
			return
		}
		event.UserID = ev.UserID
		event.SessionID = ev.SessionID
		event.IPAddress = ev.IPAddress
		event.UserAgent = ev.UserAgent
		event.ResourceType = "session_record"
		if _, err := audit.LogEvent(context.Background(), event); err != nil {
			m.logger.Error().Err(err).Str("session_id", ev.SessionID).Msg("session audit event rejected")
		}
	}
}

// Initialized reports whether Initialize has completed.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *Manager) RBAC() *auth.RBACManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rbac
}

// CareTeam returns the registry backing the ownership restrictions.
func (m *Manager) CareTeam() *auth.CareTeamRegistry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.careTeam
}

func (m *Manager) Compliance() *compliance.Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validator
}

func (m *Manager) Sessions() *session.Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions
}

func (m *Manager) Masker() *hipaa.Masker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.masker
}

func (m *Manager) Audit() *hipaa.AuditLogger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.audit
}

func (m *Manager) Keys() *hipaa.KeyService {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys
}

func (m *Manager) Retention() *hipaa.RetentionService {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retention
}

func (m *Manager) MFA() *auth.MFAService {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mfa
}

// Revocations returns the token revocation list used by the JWT middleware.
func (m *Manager) Revocations() *auth.RevocationList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revocations
}

// Queue returns the background task queue.
func (m *Manager) Queue() *worker.Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queue
}

// Health is the construction state of each component.
type Health struct {
	Status     string `json:"status"`
	Encryption string `json:"encryption"`
	Audit      string `json:"audit"`
	Compliance string `json:"compliance"`
	RBAC       string `json:"rbac"`
	Sessions   string `json:"sessions"`
	Masking    string `json:"masking"`
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}

// HealthCheck reports which components are constructed. It does not probe
// them.
func (m *Manager) HealthCheck() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parts := []bool{m.keys != nil, m.audit != nil, m.validator != nil, m.rbac != nil, m.sessions != nil, m.masker != nil}
	status := "up"
	for _, ok := range parts {
		if !ok {
			status = "degraded"
			break
		}
	}
	return Health{
		Status:     status,
		Encryption: enabled(m.keys != nil),
		Audit:      enabled(m.audit != nil),
		Compliance: enabled(m.validator != nil),
		RBAC:       enabled(m.rbac != nil),
		Sessions:   enabled(m.sessions != nil),
		Masking:    enabled(m.masker != nil),
	}
}

// Shutdown terminates active sessions, runs one audit cleanup pass and one
// key rotation pass, then drains the background queue.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	initialized := m.initialized
	sessions, audit, keys, queue, revocations := m.sessions, m.audit, m.keys, m.queue, m.revocations
	m.mu.RUnlock()
	if !initialized {
		return nil
	}

	var errs []error
	if err := sessions.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	removed := audit.CleanupOldLogs()
	queue.Submit("key-rotation", func(context.Context) error {
		_, err := keys.RotateKeys(false)
		return err
	})
	if err := queue.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	revocations.Close()

	m.logger.Info().Int("audit_logs_removed", removed).Msg("security manager shutdown complete")
	return errors.Join(errs...)
}
