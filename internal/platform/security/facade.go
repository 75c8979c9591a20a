package security

import (
	"context"
	"fmt"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/compliance"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/session"
)

// CheckAccess evaluates ac and records the decision as an access audit
// event.
func (m *Manager) CheckAccess(ctx context.Context, ac auth.AccessContext) (auth.AccessDecision, error) {
	rbac, audit := m.RBAC(), m.Audit()
	if rbac == nil {
		return auth.AccessDecision{}, ErrNotInitialized
	}
	decision := rbac.CheckAccess(ctx, ac)

	outcome := hipaa.OutcomeSuccess
	if !decision.Granted {
		outcome = hipaa.OutcomeFailure
	}
	event := hipaa.AuditEvent{
		EventType:    hipaa.EventAccess,
		UserID:       ac.UserID,
		Action:       string(ac.Action),
		Outcome:      outcome,
		ResourceType: ac.Resource,
		ResourceID:   ac.ResourceID,
		SessionID:    auth.SessionIDFromContext(ctx),
		Details:      map[string]any{"reason": decision.Reason},
	}
	if ac.Resource == "Patient" {
		event.PatientID = ac.ResourceID
	}
	if _, err := audit.LogEvent(ctx, event); err != nil {
		m.logger.Error().Err(err).Msg("access audit event rejected")
	}
	return decision, nil
}

// ValidateCompliance runs a full validation. Session flags recorded by
// VerifyMFA are merged into vc first.
func (m *Manager) ValidateCompliance(ctx context.Context, vc compliance.ValidationContext) (compliance.Report, error) {
	v := m.Compliance()
	if v == nil {
		return compliance.Report{}, ErrNotInitialized
	}
	return v.ValidateCompliance(ctx, m.EnrichContext(vc)), nil
}

// sessionFlags are copied from session metadata into validation contexts.
// They are only ever taken from the session, never from the caller.
var sessionFlags = []string{
	compliance.MetaMFAVerified,
	compliance.MetaBAAVerified,
	compliance.MetaIPAllowlisted,
	compliance.MetaIPWhitelisted,
}

// StripSessionFlags returns a copy of md without the verification flags
// that only a session may carry.
func StripSessionFlags(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	for _, k := range sessionFlags {
		delete(out, k)
	}
	return out
}

// EnrichContext fills in the session's recorded address and user agent
// when vc lacks them. When vc names a session, verification flags come
// from that session only. A session that is not active for vc's user
// contributes none. Without a session vc is returned unchanged.
func (m *Manager) EnrichContext(vc compliance.ValidationContext) compliance.ValidationContext {
	sessions := m.Sessions()
	if sessions == nil || vc.Session == nil || vc.Session.ID == "" {
		return vc
	}
	s, ok := sessions.GetSession(vc.Session.ID)
	if !ok || !s.IsActive || (vc.User != nil && vc.User.ID != "" && vc.User.ID != s.UserID) {
		vc.Metadata = StripSessionFlags(vc.Metadata)
		return vc
	}

	info := *vc.Session
	if info.IPAddress == "" {
		info.IPAddress = s.IPAddress
	}
	if info.UserAgent == "" {
		info.UserAgent = s.UserAgent
	}
	vc.Session = &info

	md := StripSessionFlags(vc.Metadata)
	if md == nil {
		md = make(map[string]any, len(sessionFlags))
	}
	for _, k := range sessionFlags {
		if v, ok := s.Metadata[k]; ok {
			md[k] = v
		}
	}
	vc.Metadata = md
	return vc
}

// ValidateSession checks a session for a request from ipAddress.
func (m *Manager) ValidateSession(sessionID, ipAddress string) (session.Session, bool, error) {
	sessions := m.Sessions()
	if sessions == nil {
		return session.Session{}, false, ErrNotInitialized
	}
	s, ok := sessions.ValidateSession(sessionID, ipAddress)
	return s, ok, nil
}

// GetSessionInfo looks up a session without touching its activity.
func (m *Manager) GetSessionInfo(sessionID string) (session.Session, bool) {
	sessions := m.Sessions()
	if sessions == nil {
		return session.Session{}, false
	}
	return sessions.GetSessionInfo(sessionID)
}

// MaskObject returns a masked deep copy of obj.
func (m *Manager) MaskObject(obj map[string]any) (map[string]any, error) {
	masker := m.Masker()
	if masker == nil {
		return nil, ErrNotInitialized
	}
	return masker.MaskObject(obj), nil
}

func (m *Manager) LogEvent(ctx context.Context, event hipaa.AuditEvent) (string, error) {
	audit := m.Audit()
	if audit == nil {
		return "", ErrNotInitialized
	}
	return audit.LogEvent(ctx, event)
}

// VerifyMFA checks a TOTP code for the owner of sessionID. On success the
// session is marked mfaVerified, which satisfies the MFA compliance rule
// for later operations in that session.
func (m *Manager) VerifyMFA(ctx context.Context, sessionID, code string) (bool, error) {
	sessions, mfa, audit := m.Sessions(), m.MFA(), m.Audit()
	if sessions == nil {
		return false, ErrNotInitialized
	}
	s, ok := sessions.GetSessionInfo(sessionID)
	if !ok || !s.IsActive {
		return false, fmt.Errorf("verify mfa: %w", ErrSessionNotFound)
	}

	valid, err := mfa.Verify(s.UserID, code)
	outcome := hipaa.OutcomeSuccess
	if err != nil || !valid {
		outcome = hipaa.OutcomeFailure
	}
	if _, logErr := audit.LogEvent(ctx, hipaa.AuditEvent{
		EventType: hipaa.EventLogin,
		UserID:    s.UserID,
		Action:    "mfa_verify",
		Outcome:   outcome,
		SessionID: sessionID,
		IPAddress: s.IPAddress,
	}); logErr != nil {
		m.logger.Error().Err(logErr).Msg("mfa audit event rejected")
	}
	if err != nil {
		return false, fmt.Errorf("verify mfa: %w", err)
	}
	if valid {
		sessions.SetMetadata(sessionID, map[string]any{compliance.MetaMFAVerified: true})
	}
	return valid, nil
}

// PermissionsFor returns the session permission strings for a user's
// current roles.
func (m *Manager) PermissionsFor(userID string) []string {
	rbac := m.RBAC()
	if rbac == nil {
		return nil
	}
	return rbac.PermissionStrings(userID)
}

// PrimaryRole picks the role recorded on a new session.
func (m *Manager) PrimaryRole(userID string) string {
	rbac := m.RBAC()
	if rbac == nil {
		return ""
	}
	u, ok := rbac.GetUser(userID)
	if !ok || len(u.Roles) == 0 {
		return ""
	}
	return u.Roles[0]
}
