package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modernChrome = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func compliantContext() ValidationContext {
	return NewValidationContext(ContextOptions{
		UserID:        "dr-smith",
		UserRole:      "physician",
		Permissions:   []string{"Patient:read", "Observation:read"},
		SessionID:     "sess_1",
		IPAddress:     "10.1.2.3",
		UserAgent:     modernChrome,
		OperationType: OpRead,
		Resource:      "Patient",
		ResourceID:    "p1",
		AuditLogged:   true,
	})
}

func failedIDs(r Report) []string {
	var out []string
	for _, res := range r.RuleResults {
		if !res.Passed {
			out = append(out, res.RuleID)
		}
	}
	return out
}

func validateWith(t *testing.T, opts RuleOptions, mutate func(*ValidationContext)) Report {
	t.Helper()
	v := NewValidator(testLogger(), WithRuleOptions(opts))
	vc := compliantContext()
	if mutate != nil {
		mutate(&vc)
	}
	return v.ValidateCompliance(context.Background(), vc)
}

var defaultOpts = RuleOptions{SessionIdleTimeout: 15 * time.Minute}

func TestDefaultRules_CompliantContextPasses(t *testing.T) {
	report := validateWith(t, defaultOpts, nil)
	assert.Empty(t, failedIDs(report))
	assert.Equal(t, 100, report.OverallCompliance)
}

func TestDefaultRules_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		opts   RuleOptions
		mutate func(*ValidationContext)
		failed []string
	}{
		{
			name:   "missing user",
			mutate: func(vc *ValidationContext) { vc.User = nil },
			failed: []string{"admin_001", "admin_002"},
		},
		{
			name:   "no permissions",
			mutate: func(vc *ValidationContext) { vc.User.Permissions = nil },
			failed: []string{"admin_002", "tech_005"},
		},
		{
			name: "export without permission or MFA",
			mutate: func(vc *ValidationContext) {
				vc.Operation.Type = OpExport
			},
			failed: []string{"admin_003", "tech_005", "tech_006"},
		},
		{
			name: "export with wildcard and MFA",
			mutate: func(vc *ValidationContext) {
				vc.Operation.Type = OpExport
				vc.User.Permissions = []string{"Patient:*"}
				vc.Metadata[MetaMFAVerified] = true
			},
		},
		{
			name: "vendor without BAA",
			mutate: func(vc *ValidationContext) {
				vc.User.Role = "vendor"
			},
			failed: []string{"admin_004"},
		},
		{
			name: "contractor with BAA",
			mutate: func(vc *ValidationContext) {
				vc.User.Role = "contractor"
				vc.Metadata[MetaBAAVerified] = "true"
			},
		},
		{
			name: "delete without retention check",
			mutate: func(vc *ValidationContext) {
				vc.Operation.Type = OpDelete
				vc.User.Permissions = []string{"*"}
				vc.Metadata[MetaMFAVerified] = true
			},
			failed: []string{"admin_005"},
		},
		{
			name: "delete after retention check",
			mutate: func(vc *ValidationContext) {
				vc.Operation.Type = OpDelete
				vc.User.Permissions = []string{"*"}
				vc.Metadata[MetaMFAVerified] = true
				vc.Metadata[MetaRetentionPolicyChecked] = true
			},
		},
		{
			name: "outdated browser",
			mutate: func(vc *ValidationContext) {
				vc.Session.UserAgent = "Mozilla/5.0 (compatible; MSIE 10.0; Windows NT 6.1; Trident/6.0)"
			},
			failed: []string{"phys_002"},
		},
		{
			name: "old firefox",
			mutate: func(vc *ValidationContext) {
				vc.Session.UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:78.0) Gecko/20100101 Firefox/78.0"
			},
			failed: []string{"phys_002"},
		},
		{
			name: "insecure referrer in user agent",
			mutate: func(vc *ValidationContext) {
				vc.Session.UserAgent = modernChrome + " (+http://crawler.example.com)"
			},
			failed: []string{"tech_001"},
		},
		{
			name: "plain http to localhost",
			mutate: func(vc *ValidationContext) {
				vc.Session.UserAgent = modernChrome + " http://localhost:3000"
			},
		},
		{
			name:   "not audited",
			mutate: func(vc *ValidationContext) { vc.Metadata[MetaAuditLogged] = false },
			failed: []string{"tech_002"},
		},
		{
			name:   "idle timeout too long",
			opts:   RuleOptions{SessionIdleTimeout: 2 * time.Hour},
			failed: []string{"tech_003"},
		},
		{
			name:   "idle timeout disabled",
			opts:   RuleOptions{SessionIdleTimeout: -1},
			failed: []string{"tech_003"},
		},
		{
			name:   "unmasked ssn",
			mutate: func(vc *ValidationContext) { vc.Data = map[string]any{"ssn": "123-45-6789"} },
			failed: []string{"tech_004"},
		},
		{
			name:   "unmasked email",
			mutate: func(vc *ValidationContext) { vc.Data = map[string]any{"contact": "jane.doe@example.com"} },
			failed: []string{"tech_004"},
		},
		{
			name:   "masked data",
			mutate: func(vc *ValidationContext) { vc.Data = map[string]any{"ssn": "***-**-6789", "name": "J***"} },
		},
		{
			name:   "public ip",
			mutate: func(vc *ValidationContext) { vc.Session.IPAddress = "8.8.8.8" },
			failed: []string{"tech_007"},
		},
		{
			name: "allowlisted public ip",
			mutate: func(vc *ValidationContext) {
				vc.Session.IPAddress = "8.8.8.8"
				vc.Metadata[MetaIPWhitelisted] = true
			},
		},
		{
			name:   "loopback ip",
			mutate: func(vc *ValidationContext) { vc.Session.IPAddress = "::1" },
		},
		{
			name:   "garbage ip",
			mutate: func(vc *ValidationContext) { vc.Session.IPAddress = "not-an-ip" },
			failed: []string{"tech_007"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if opts.SessionIdleTimeout == 0 {
				opts = defaultOpts
			}
			report := validateWith(t, opts, tt.mutate)
			assert.ElementsMatch(t, tt.failed, failedIDs(report))
		})
	}
}

func TestDefaultRules_MissingUserMessage(t *testing.T) {
	report := validateWith(t, defaultOpts, func(vc *ValidationContext) { vc.User = nil })
	require.Equal(t, "admin_001", report.RuleResults[0].RuleID)
	assert.Equal(t, "User ID is required for all operations", report.RuleResults[0].Message)
}

func TestDefaultRules_RetentionCheck(t *testing.T) {
	created := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	var gotType string
	check := func(resourceType string, createdAt time.Time) (bool, time.Time) {
		gotType = resourceType
		until := createdAt.AddDate(10, 0, 0)
		return createdAt.Before(time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)), until
	}
	deleteCtx := func(createdAt any) func(*ValidationContext) {
		return func(vc *ValidationContext) {
			vc.Operation.Type = OpDelete
			vc.User.Permissions = []string{"*"}
			vc.Metadata[MetaMFAVerified] = true
			vc.Metadata[MetaResourceCreatedAt] = createdAt
		}
	}
	opts := RuleOptions{SessionIdleTimeout: 15 * time.Minute, Retention: check}

	report := validateWith(t, opts, deleteCtx(created.Format(time.RFC3339)))
	assert.Empty(t, failedIDs(report))
	assert.Equal(t, "Patient", gotType)

	recent := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	report = validateWith(t, opts, deleteCtx(recent))
	assert.Equal(t, []string{"admin_005"}, failedIDs(report))
	for _, r := range report.RuleResults {
		if r.RuleID == "admin_005" {
			assert.Equal(t, "Record must be retained until 2030-06-01", r.Message)
		}
	}

	report = validateWith(t, opts, deleteCtx("yesterday"))
	assert.Equal(t, []string{"admin_005"}, failedIDs(report))
}

func TestOutdatedBrowser(t *testing.T) {
	tests := []struct {
		ua       string
		outdated bool
	}{
		{"", false},
		{modernChrome, false},
		{"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/89.0.4389.90 Safari/537.36", true},
		{"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/85.0.1", true},
		{"Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/12.1 Safari/605.1.15", true},
		{"Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15", false},
		{"curl/8.4.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.outdated, outdatedBrowser(tt.ua), tt.ua)
	}
}
