package hipaa

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	auditLogResource = "audit_log"

	// ClinicalRecordResource is the fallback policy for clinical resource
	// types that have no policy of their own.
	ClinicalRecordResource = "clinical_record"
)

// RetentionPolicy defines how long records of one kind are kept.
type RetentionPolicy struct {
	ResourceType  string `json:"resource_type"`
	RetentionDays int    `json:"retention_days"`
	PurgeAfter    int    `json:"purge_after_days,omitempty"` // 0 = never
	Description   string `json:"description"`
}

// RetentionStatus is the lifecycle state of one record.
type RetentionStatus struct {
	State      string    `json:"state"`
	ExpiresAt  time.Time `json:"expires_at"`
	PolicyName string    `json:"policy_name"`
}

const (
	RetentionStateActive        = "active"
	RetentionStatePurgeEligible = "purge_eligible"
)

// DefaultRetentionPolicies returns the retention periods for records owned by
// the security subsystem. HIPAA requires documentation of policies and audit
// trails to be kept for at least six years.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			ResourceType:  auditLogResource,
			RetentionDays: 2190, // 6 years
			PurgeAfter:    2555, // 7 years
			Description:   "Audit logs: minimum 6-year retention of audit trails, purged after 7 years",
		},
		{
			ResourceType:  "access_decision",
			RetentionDays: 2190,
			PurgeAfter:    2555,
			Description:   "RBAC access decisions recorded as audit events",
		},
		{
			ResourceType:  "compliance_report",
			RetentionDays: 2190,
			PurgeAfter:    0,
			Description:   "Compliance reports document safeguards and are never purged",
		},
		{
			ResourceType:  "session_record",
			RetentionDays: 90,
			PurgeAfter:    90,
			Description:   "Session login/logout records beyond the audit trail",
		},
		{
			ResourceType:  ClinicalRecordResource,
			RetentionDays: 2555,
			PurgeAfter:    3650,
			Description:   "Clinical records: kept at least 7 years, deletable after 10",
		},
	}
}

// RetentionService answers retention questions from configured policies.
type RetentionService struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	now      func() time.Time
	logger   zerolog.Logger
}

// RetentionOption configures a RetentionService.
type RetentionOption func(*RetentionService)

// WithRetentionClock overrides the time source.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(s *RetentionService) {
		s.now = now
	}
}

// NewRetentionService creates a service with the given policies.
func NewRetentionService(policies []RetentionPolicy, logger zerolog.Logger, opts ...RetentionOption) *RetentionService {
	policyMap := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		policyMap[p.ResourceType] = p
	}
	s := &RetentionService{
		policies: policyMap,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "retention-service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPolicy returns the policy for a resource type, or nil.
func (s *RetentionService) GetPolicy(resourceType string) *RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[resourceType]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns every policy ordered by resource type.
func (s *RetentionService) GetAllPolicies() []RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResourceType < result[j].ResourceType })
	return result
}

// PurgeDays returns the purge age for a resource type, falling back to the
// retention period when the policy never purges. Unknown types return 0.
func (s *RetentionService) PurgeDays(resourceType string) int {
	p := s.GetPolicy(resourceType)
	if p == nil {
		return 0
	}
	if p.PurgeAfter > 0 {
		return p.PurgeAfter
	}
	return p.RetentionDays
}

// CheckRetention reports whether a record created at createdAt may be purged.
func (s *RetentionService) CheckRetention(resourceType string, createdAt time.Time) RetentionStatus {
	p := s.GetPolicy(resourceType)
	if p == nil {
		s.logger.Debug().Str("resource_type", resourceType).Msg("no retention policy")
		return RetentionStatus{State: RetentionStateActive, PolicyName: "unknown"}
	}

	if p.PurgeAfter > 0 {
		purgeAt := createdAt.AddDate(0, 0, p.PurgeAfter)
		if !s.now().Before(purgeAt) {
			return RetentionStatus{State: RetentionStatePurgeEligible, ExpiresAt: purgeAt, PolicyName: p.ResourceType}
		}
		return RetentionStatus{State: RetentionStateActive, ExpiresAt: purgeAt, PolicyName: p.ResourceType}
	}
	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  createdAt.AddDate(0, 0, p.RetentionDays),
		PolicyName: p.ResourceType,
	}
}
