// Package compliance evaluates HIPAA safeguard rules against an operation
// context and scores the outcome.
package compliance

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRule is returned by AddRule for rules without an id or function.
var ErrInvalidRule = errors.New("invalid compliance rule")

type Category string

const (
	CategoryAdministrative Category = "administrative"
	CategoryPhysical       Category = "physical"
	CategoryTechnical      Category = "technical"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the severity's contribution to the risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 8
	}
	return 0
}

const maxSeverityWeight = 8

type OperationType string

const (
	OpCreate OperationType = "create"
	OpRead   OperationType = "read"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpExport OperationType = "export"
)

type User struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type SessionInfo struct {
	ID        string `json:"id"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type Operation struct {
	Type       OperationType `json:"type"`
	Resource   string        `json:"resource"`
	ResourceID string        `json:"resourceId,omitempty"`
}

// ValidationContext is the input to every rule. All parts are optional.
type ValidationContext struct {
	Data      any            `json:"data,omitempty"`
	User      *User          `json:"user,omitempty"`
	Session   *SessionInfo   `json:"session,omitempty"`
	Operation *Operation     `json:"operation,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Metadata keys read by the default rules.
const (
	MetaAuditLogged            = "auditLogged"
	MetaMFAVerified            = "mfaVerified"
	MetaIPAllowlisted          = "ipAllowlisted"
	MetaIPWhitelisted          = "ipWhitelisted"
	MetaBAAVerified            = "baaVerified"
	MetaRetentionPolicyChecked = "retentionPolicyChecked"
	MetaResourceCreatedAt      = "resourceCreatedAt"
)

// Flag reports whether any of keys is set to true in the metadata.
func (vc ValidationContext) Flag(keys ...string) bool {
	for _, k := range keys {
		switch v := vc.Metadata[k].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if v == "true" {
				return true
			}
		}
	}
	return false
}

// ContextOptions is the flat form accepted by NewValidationContext.
type ContextOptions struct {
	Data               any
	UserID             string
	UserRole           string
	Permissions        []string
	SessionID          string
	IPAddress          string
	UserAgent          string
	OperationType      OperationType
	Resource           string
	ResourceID         string
	AuditLogged        bool
	AdditionalMetadata map[string]any
}

// NewValidationContext builds a context. User, session and operation are
// only populated when their identifying fields are present.
func NewValidationContext(o ContextOptions) ValidationContext {
	vc := ValidationContext{
		Data:     o.Data,
		Metadata: map[string]any{MetaAuditLogged: o.AuditLogged},
	}
	if o.UserID != "" {
		role := o.UserRole
		if role == "" {
			role = "user"
		}
		vc.User = &User{ID: o.UserID, Role: role, Permissions: append([]string{}, o.Permissions...)}
	}
	if o.SessionID != "" {
		vc.Session = &SessionInfo{ID: o.SessionID, IPAddress: o.IPAddress, UserAgent: o.UserAgent}
	}
	if o.OperationType != "" && o.Resource != "" {
		vc.Operation = &Operation{Type: o.OperationType, Resource: o.Resource, ResourceID: o.ResourceID}
	}
	for k, v := range o.AdditionalMetadata {
		vc.Metadata[k] = v
	}
	return vc
}

// RuleOutcome is what a rule function reports.
type RuleOutcome struct {
	Passed          bool
	Message         string
	Details         map[string]any
	Recommendations []string
}

// RuleFunc evaluates one rule. Returning an error or panicking fails the rule.
type RuleFunc func(ctx context.Context, vc ValidationContext) (RuleOutcome, error)

type Rule struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Severity    Severity
	Required    bool
	Validate    RuleFunc
}

// RuleInfo is a Rule without its function.
type RuleInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Required    bool     `json:"required"`
}

func (r Rule) Info() RuleInfo {
	return RuleInfo{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Severity:    r.Severity,
		Required:    r.Required,
	}
}

type RuleResult struct {
	RuleID          string         `json:"ruleId"`
	RuleName        string         `json:"ruleName"`
	Category        Category       `json:"category"`
	Severity        Severity       `json:"severity"`
	Passed          bool           `json:"passed"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	ExecutionTime   time.Duration  `json:"executionTime"`
}

type PerformanceMetrics struct {
	ExecutionTime  time.Duration `json:"executionTime"`
	RulesEvaluated int           `json:"rulesEvaluated"`
}

// Report is the outcome of a full or category validation.
type Report struct {
	OverallCompliance int                `json:"overallCompliance"`
	TotalRules        int                `json:"totalRules"`
	PassedRules       int                `json:"passedRules"`
	FailedRules       int                `json:"failedRules"`
	CriticalFailures  int                `json:"criticalFailures"`
	Timestamp         time.Time          `json:"timestamp"`
	RuleResults       []RuleResult       `json:"ruleResults"`
	Recommendations   []string           `json:"recommendations"`
	Performance       PerformanceMetrics `json:"performanceMetrics"`
}

// QuickResult covers only required critical rules.
type QuickResult struct {
	Passed           bool               `json:"passed"`
	CriticalFailures int                `json:"criticalFailures"`
	FailedRules      []string           `json:"failedRules"`
	RuleResults      []RuleResult       `json:"ruleResults"`
	Performance      PerformanceMetrics `json:"performanceMetrics"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AdvancedResult is a full report plus a weighted risk assessment.
type AdvancedResult struct {
	Report
	RiskScore               int       `json:"riskScore"`
	RiskLevel               RiskLevel `json:"riskLevel"`
	PriorityRecommendations []string  `json:"priorityRecommendations"`
}

// Stats describes the registered rule set.
type Stats struct {
	TotalRules      int              `json:"totalRules"`
	RulesByCategory map[Category]int `json:"rulesByCategory"`
	RulesBySeverity map[Severity]int `json:"rulesBySeverity"`
	RequiredRules   int              `json:"requiredRules"`
}
