// Package session manages authenticated user sessions: creation with a
// per-user concurrency limit, per-request validation against absolute and
// idle timeouts, renewal, termination and a periodic sweep.
package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by NewManager for unusable settings.
var ErrInvalidConfig = errors.New("invalid session config")

// Termination reasons.
const (
	ReasonManual          = "manual"
	ReasonExpired         = "expired"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonIPMismatch      = "ip_mismatch"
	ReasonConcurrentLimit = "concurrent_limit_exceeded"
	ReasonUserSessions    = "user_sessions_terminated"
	ReasonShutdown        = "system_shutdown"
)

const minTokenLength = 32

// Config holds session policy. A zero IdleTimeout disables idle checks and a
// zero MaxConcurrent disables the per-user limit.
type Config struct {
	MaxDuration       time.Duration
	IdleTimeout       time.Duration
	MaxConcurrent     int
	SecureTransport   bool
	TokenLength       int
	RenewBeforeExpiry time.Duration
	CleanupInterval   time.Duration
	GracePeriod       time.Duration
}

// DefaultConfig returns the healthcare defaults: 8h sessions, 30m idle
// limit, three concurrent sessions per user.
func DefaultConfig() Config {
	return Config{
		MaxDuration:       8 * time.Hour,
		IdleTimeout:       30 * time.Minute,
		MaxConcurrent:     3,
		SecureTransport:   true,
		TokenLength:       64,
		RenewBeforeExpiry: time.Hour,
		CleanupInterval:   5 * time.Minute,
		GracePeriod:       time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxDuration < 0:
		return fmt.Errorf("%w: max duration must not be negative", ErrInvalidConfig)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: idle timeout must not be negative", ErrInvalidConfig)
	case c.MaxConcurrent < 0:
		return fmt.Errorf("%w: max concurrent sessions must not be negative", ErrInvalidConfig)
	case c.TokenLength < minTokenLength:
		return fmt.Errorf("%w: token length must be at least %d", ErrInvalidConfig, minTokenLength)
	case c.RenewBeforeExpiry < 0 || c.CleanupInterval < 0 || c.GracePeriod < 0:
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Session is a snapshot of one session. Values returned by the Manager are
// copies; mutating them has no effect.
type Session struct {
	ID                string         `json:"sessionId"`
	UserID            string         `json:"userId"`
	UserRole          string         `json:"userRole"`
	Permissions       []string       `json:"permissions"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastActivity      time.Time      `json:"lastActivity"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	UserAgent         string         `json:"userAgent,omitempty"`
	IsActive          bool           `json:"isActive"`
	TerminatedAt      *time.Time     `json:"terminatedAt,omitempty"`
	TerminationReason string         `json:"terminationReason,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (s *Session) clone() Session {
	out := *s
	out.Permissions = append([]string(nil), s.Permissions...)
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		out.TerminatedAt = &t
	}
	if s.Metadata != nil {
		md := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		out.Metadata = md
	}
	return out
}

// CreateOptions carries optional request attributes for CreateSession.
type CreateOptions struct {
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// EventType names a session lifecycle event.
type EventType string

const (
	EventCreated    EventType = "created"
	EventRenewed    EventType = "renewed"
	EventActivity   EventType = "activity"
	EventTerminated EventType = "terminated"
)

// Event is delivered to the EventHook after the state change is committed.
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	UserRole  string
	IPAddress string
	UserAgent string
	Reason    string
	Timestamp time.Time
}

// EventHook receives session events. It runs on the caller's goroutine and
// must not call back into the Manager.
type EventHook func(Event)

// Stats summarizes the stored sessions.
type Stats struct {
	TotalSessions          int            `json:"totalSessions"`
	ActiveSessions         int            `json:"activeSessions"`
	ExpiredSessions        int            `json:"expiredSessions"`
	UserCount              int            `json:"userCount"`
	AverageSessionDuration int            `json:"averageSessionDuration"`
	SessionsPerUser        map[string]int `json:"sessionsPerUser"`
}
