package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetentionCheck reports whether a record of resourceType created at
// createdAt may be deleted, and until when it must otherwise be kept.
type RetentionCheck func(resourceType string, createdAt time.Time) (purgeable bool, keepUntil time.Time)

// RuleOptions wires deployment facts into the default rules.
type RuleOptions struct {
	// SessionIdleTimeout is the configured idle limit. Zero means unknown
	// and the session timeout rule passes.
	SessionIdleTimeout time.Duration
	Retention          RetentionCheck
}

const maxIdleTimeout = 30 * time.Minute

var thirdPartyRoles = map[string]bool{
	"third-party":        true,
	"third_party":        true,
	"vendor":             true,
	"contractor":         true,
	"business_associate": true,
}

var phiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{10}\b`),
	regexp.MustCompile(`\b[\w._%+-]+@[\w.-]+\.[A-Za-z]{2,}\b`),
}

func pass(msg string) (RuleOutcome, error) {
	return RuleOutcome{Passed: true, Message: msg}, nil
}

func fail(msg string, recs ...string) (RuleOutcome, error) {
	return RuleOutcome{Passed: false, Message: msg, Recommendations: recs}, nil
}

// DefaultRules returns the built-in HIPAA safeguard rules.
func DefaultRules(opts RuleOptions) []Rule {
	return []Rule{
		{
			ID:          "admin_001",
			Name:        "Unique User Identification",
			Description: "Each user must have a unique identifier",
			Category:    CategoryAdministrative,
			Severity:    SeverityCritical,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.User == nil || vc.User.ID == "" {
					return fail("User ID is required for all operations",
						"Ensure all users have unique identifiers before system access")
				}
				return pass("User identification verified")
			},
		},
		{
			ID:          "admin_002",
			Name:        "Role-Based Access Control",
			Description: "Users must have defined roles with appropriate permissions",
			Category:    CategoryAdministrative,
			Severity:    SeverityHigh,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.User == nil || vc.User.Role == "" || len(vc.User.Permissions) == 0 {
					return fail("User role and permissions must be defined",
						"Assign appropriate roles and permissions to all users")
				}
				return pass("Role-based access control verified")
			},
		},
		{
			ID:          "admin_003",
			Name:        "Minimum Necessary Standard",
			Description: "Access should be limited to minimum necessary information",
			Category:    CategoryAdministrative,
			Severity:    SeverityMedium,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Operation != nil && vc.Operation.Type == OpExport {
					var perms []string
					if vc.User != nil {
						perms = vc.User.Permissions
					}
					if !hasAny(perms, "export", vc.Operation.Resource+":export", vc.Operation.Resource+":*", "*") {
						return fail("User lacks permission for data export",
							"Grant appropriate export permissions or deny access")
					}
				}
				return pass("Minimum necessary access verified")
			},
		},
		{
			ID:          "admin_004",
			Name:        "Business Associate Agreement",
			Description: "Third-party access requires a verified Business Associate Agreement",
			Category:    CategoryAdministrative,
			Severity:    SeverityHigh,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.User != nil && thirdPartyRoles[strings.ToLower(vc.User.Role)] && !vc.Flag(MetaBAAVerified) {
					return fail("Business Associate Agreement not verified for third-party access",
						"Verify a signed Business Associate Agreement before granting third-party access")
				}
				return pass("Business Associate Agreement requirements satisfied")
			},
		},
		{
			ID:          "admin_005",
			Name:        "Data Retention",
			Description: "Deletion must respect the applicable retention policy",
			Category:    CategoryAdministrative,
			Severity:    SeverityHigh,
			Required:    true,
			Validate:    retentionRule(opts.Retention),
		},
		{
			ID:          "phys_001",
			Name:        "Workstation Security",
			Description: "Access from secure workstations only",
			Category:    CategoryPhysical,
			Severity:    SeverityMedium,
			Required:    false,
			Validate: func(context.Context, ValidationContext) (RuleOutcome, error) {
				return pass("Workstation security assumed compliant")
			},
		},
		{
			ID:          "phys_002",
			Name:        "Device Security",
			Description: "Access from up-to-date browsers only",
			Category:    CategoryPhysical,
			Severity:    SeverityMedium,
			Required:    false,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Session != nil && outdatedBrowser(vc.Session.UserAgent) {
					return fail("Insecure or outdated browser detected",
						"Upgrade to a supported browser version")
				}
				return pass("Device security verified")
			},
		},
		{
			ID:          "tech_001",
			Name:        "Encryption in Transit",
			Description: "Data must be encrypted during transmission",
			Category:    CategoryTechnical,
			Severity:    SeverityCritical,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Session != nil {
					ua := vc.Session.UserAgent
					if strings.Contains(ua, "http:") && !strings.Contains(ua, "localhost") {
						return fail("Insecure connection detected", "Use HTTPS for all data transmission")
					}
				}
				return pass("Secure transmission verified")
			},
		},
		{
			ID:          "tech_002",
			Name:        "Audit Logging",
			Description: "All PHI access must be logged",
			Category:    CategoryTechnical,
			Severity:    SeverityCritical,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Operation != nil && !vc.Flag(MetaAuditLogged) {
					return fail("Operation not properly audited",
						"Ensure all PHI access is logged for audit purposes")
				}
				return pass("Audit logging verified")
			},
		},
		{
			ID:          "tech_003",
			Name:        "Session Timeout",
			Description: "Sessions must timeout after period of inactivity",
			Category:    CategoryTechnical,
			Severity:    SeverityMedium,
			Required:    true,
			Validate: func(context.Context, ValidationContext) (RuleOutcome, error) {
				if opts.SessionIdleTimeout > maxIdleTimeout {
					return fail(fmt.Sprintf("Session idle timeout of %s exceeds %s", opts.SessionIdleTimeout, maxIdleTimeout),
						"Configure an idle timeout of 30 minutes or less")
				}
				if opts.SessionIdleTimeout < 0 {
					return fail("Session idle timeout is disabled", "Configure an idle timeout of 30 minutes or less")
				}
				return pass("Session timeout configured")
			},
		},
		{
			ID:          "tech_004",
			Name:        "PHI Data Masking",
			Description: "PHI must be masked in logs and non-production environments",
			Category:    CategoryTechnical,
			Severity:    SeverityHigh,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Data == nil {
					return pass("PHI masking verified")
				}
				raw, err := json.Marshal(vc.Data)
				if err != nil {
					return RuleOutcome{}, fmt.Errorf("encoding data: %w", err)
				}
				for _, re := range phiPatterns {
					if re.Match(raw) {
						return fail("Potentially unmasked PHI detected in data",
							"Ensure all PHI is properly masked before processing")
					}
				}
				return pass("PHI masking verified")
			},
		},
		{
			ID:          "tech_005",
			Name:        "Access Control Verification",
			Description: "User must have appropriate permissions for the requested operation",
			Category:    CategoryTechnical,
			Severity:    SeverityCritical,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Operation == nil || vc.User == nil {
					return pass("Access control verified")
				}
				op := vc.Operation
				required := op.Resource + ":" + string(op.Type)
				if !hasAny(vc.User.Permissions, required, op.Resource+":*", "*") {
					return fail(fmt.Sprintf("User lacks permission for %s on %s", op.Type, op.Resource),
						fmt.Sprintf("Grant %s permission to user", required))
				}
				return pass("Access control verified")
			},
		},
		{
			ID:          "tech_006",
			Name:        "Multi-Factor Authentication",
			Description: "Destructive and bulk operations require multi-factor authentication",
			Category:    CategoryTechnical,
			Severity:    SeverityCritical,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Operation != nil && (vc.Operation.Type == OpDelete || vc.Operation.Type == OpExport) && !vc.Flag(MetaMFAVerified) {
					return fail(fmt.Sprintf("Multi-factor authentication required for %s operations", vc.Operation.Type),
						"Require MFA verification before delete or export operations")
				}
				return pass("Multi-factor authentication requirements satisfied")
			},
		},
		{
			ID:          "tech_007",
			Name:        "IP Address Restriction",
			Description: "Access must originate from authorized networks",
			Category:    CategoryTechnical,
			Severity:    SeverityHigh,
			Required:    true,
			Validate: func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
				if vc.Session == nil || vc.Session.IPAddress == "" || vc.Flag(MetaIPAllowlisted, MetaIPWhitelisted) {
					return pass("IP address restrictions satisfied")
				}
				ip := net.ParseIP(vc.Session.IPAddress)
				if ip == nil || !(ip.IsPrivate() || ip.IsLoopback()) {
					return fail(fmt.Sprintf("Access from non-authorized IP address %s", vc.Session.IPAddress),
						"Restrict access to allowlisted networks or add the address to the allowlist")
				}
				return pass("IP address restrictions satisfied")
			},
		},
	}
}

func retentionRule(check RetentionCheck) RuleFunc {
	return func(_ context.Context, vc ValidationContext) (RuleOutcome, error) {
		if vc.Operation == nil || vc.Operation.Type != OpDelete || vc.Flag(MetaRetentionPolicyChecked) {
			return pass("Data retention requirements satisfied")
		}
		if check != nil {
			if created, ok := metaTime(vc.Metadata[MetaResourceCreatedAt]); ok {
				purgeable, until := check(vc.Operation.Resource, created)
				if purgeable {
					return pass("Record is past its retention period")
				}
				return fail(fmt.Sprintf("Record must be retained until %s", until.Format(time.DateOnly)),
					"Do not delete records that are still within their retention period")
			}
		}
		return fail("Data retention policy not checked before deletion",
			"Check the applicable retention policy before deleting records")
	}
}

func metaTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// minimumBrowserVersions maps a user-agent product token to the oldest
// supported major version.
var minimumBrowserVersions = []struct {
	token string
	min   int
}{
	{"Edg/", 90},
	{"Firefox/", 90},
	{"Chrome/", 90},
	{"Version/", 13}, // Safari
}

func outdatedBrowser(ua string) bool {
	if ua == "" {
		return false
	}
	if strings.Contains(ua, "MSIE ") || strings.Contains(ua, "Trident/") {
		return true
	}
	for _, b := range minimumBrowserVersions {
		i := strings.Index(ua, b.token)
		if i < 0 {
			continue
		}
		rest := ua[i+len(b.token):]
		end := strings.IndexAny(rest, ". ;)")
		if end >= 0 {
			rest = rest[:end]
		}
		major, err := strconv.Atoi(rest)
		if err != nil {
			return false
		}
		return major < b.min
	}
	return false
}

func hasAny(perms []string, want ...string) bool {
	for _, p := range perms {
		for _, w := range want {
			if p == w {
				return true
			}
		}
	}
	return false
}
