package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/compliance"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/security"
)

// withManager runs fn against an initialized security manager built from
// the environment. Offline commands log to stderr and never start the
// session sweep.
func withManager(cmd *cobra.Command, policyFile string, fn func(context.Context, *config.Config, *security.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	secCfg := cfg.SecurityConfig()
	secCfg.Session.CleanupInterval = 0
	mgr := security.NewManager(secCfg, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown(ctx)

	if policyFile == "" {
		policyFile = cfg.RBACPolicyFile
	}
	if policyFile != "" {
		if err := auth.ApplyPolicyFile(mgr.RBAC(), mgr.CareTeam(), policyFile); err != nil {
			return err
		}
	}
	return fn(ctx, cfg, mgr)
}

func validateCmd() *cobra.Command {
	var (
		file     string
		mode     string
		category string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the compliance validator against a JSON validation context",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readComplianceRequest(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if category != "" {
				req.Category = category
			}
			return withManager(cmd, "", func(ctx context.Context, _ *config.Config, mgr *security.Manager) error {
				return runValidation(ctx, cmd.OutOrStdout(), mgr, req, mode, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to the validation context JSON (- for stdin)")
	cmd.Flags().StringVar(&mode, "mode", "full", "Validation mode: full, quick or advanced")
	cmd.Flags().StringVar(&category, "category", "", "Restrict a full run to one category")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readComplianceRequest(file string, stdin io.Reader) (security.ComplianceRequest, error) {
	var req security.ComplianceRequest
	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return req, fmt.Errorf("open validation context: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode validation context: %w", err)
	}
	return req, nil
}

func runValidation(ctx context.Context, out io.Writer, mgr *security.Manager, req security.ComplianceRequest, mode string, asJSON bool) error {
	vc := mgr.EnrichContext(req.Context())
	v := mgr.Compliance()

	var result any
	var summary string
	switch mode {
	case "full", "":
		var report compliance.Report
		switch cat := compliance.Category(req.Category); cat {
		case "":
			report = v.ValidateCompliance(ctx, vc)
		case compliance.CategoryAdministrative, compliance.CategoryPhysical, compliance.CategoryTechnical:
			report = v.ValidateCategory(ctx, vc, cat)
		default:
			return fmt.Errorf("unknown category %q", req.Category)
		}
		result, summary = report, compliance.ReportSummary(report)
	case "quick":
		q := v.QuickValidation(ctx, vc)
		verdict := "PASSED"
		if !q.Passed {
			verdict = "FAILED"
		}
		summary = fmt.Sprintf("Quick validation %s (%d critical failures)\n", verdict, q.CriticalFailures)
		for _, id := range q.FailedRules {
			summary += "- " + id + "\n"
		}
		result = q
	case "advanced":
		a := v.AdvancedValidation(ctx, vc)
		var b strings.Builder
		b.WriteString(compliance.ReportSummary(a.Report))
		fmt.Fprintf(&b, "\nRisk Score: %d (%s)\n", a.RiskScore, a.RiskLevel)
		if len(a.PriorityRecommendations) > 0 {
			b.WriteString("\nPriority Actions:\n")
			for i, r := range a.PriorityRecommendations {
				fmt.Fprintf(&b, "%d. %s\n", i+1, r)
			}
		}
		result, summary = a, b.String()
	default:
		return fmt.Errorf("unknown mode %q (want full, quick or advanced)", mode)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	_, err := io.WriteString(out, summary)
	return err
}

func rolesCmd() *cobra.Command {
	var (
		policy string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List RBAC roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, policy, func(_ context.Context, _ *config.Config, mgr *security.Manager) error {
				return printRoles(cmd.OutOrStdout(), mgr.RBAC().ListRoles(!all))
			})
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "", "TOML policy file to apply before listing")
	cmd.Flags().BoolVar(&all, "all", false, "Include inactive roles")
	return cmd
}

func printRoles(out io.Writer, roles []auth.Role) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tPERMISSIONS")
	for _, r := range roles {
		perms := make([]string, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			actions := make([]string, len(p.Actions))
			for i, a := range p.Actions {
				actions[i] = string(a)
			}
			perms = append(perms, p.Resource+":"+strings.Join(actions, ","))
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.ID, r.Name, r.IsActive, strings.Join(perms, " "))
	}
	return w.Flush()
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Purge audit entries older than the retention period",
		Long: "Runs the retention cleanup on this process's in-memory audit store and, " +
			"when DATABASE_URL is set, deletes expired rows from hipaa_audit_log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, "", func(ctx context.Context, cfg *config.Config, mgr *security.Manager) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Removed %d in-memory audit entries\n", mgr.Audit().CleanupOldLogs())

				if cfg.DatabaseURL == "" {
					return nil
				}
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg, cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				defer pool.Close()

				days := mgr.Audit().RetentionDays()
				cutoff := time.Now().UTC().AddDate(0, 0, -days)
				n, err := hipaa.NewPGSink(pool).Purge(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %d stored audit rows older than %d days\n", n, days)
				return nil
			})
		},
	})
	return cmd
}
