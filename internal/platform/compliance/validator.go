package compliance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/compliance/internal/platform/metrics"
)

const (
	maxPriorityRecommendations = 5
	ruleFailureRecommendation  = "Review and fix validation rule implementation"
)

// Validator holds an ordered rule registry.
type Validator struct {
	mu    sync.RWMutex
	rules []Rule

	ruleOpts     RuleOptions
	skipDefaults bool
	metrics      *metrics.Recorder
	logger       zerolog.Logger
	now          func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithRuleOptions configures the default rules.
func WithRuleOptions(o RuleOptions) Option {
	return func(v *Validator) { v.ruleOpts = o }
}

// WithoutDefaultRules starts with an empty registry.
func WithoutDefaultRules() Option {
	return func(v *Validator) { v.skipDefaults = true }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(v *Validator) { v.metrics = r }
}

// NewValidator creates a Validator loaded with DefaultRules unless
// WithoutDefaultRules is given.
func NewValidator(logger zerolog.Logger, opts ...Option) *Validator {
	v := &Validator{
		logger: logger.With().Str("component", "compliance").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	if !v.skipDefaults {
		v.rules = DefaultRules(v.ruleOpts)
	}
	return v
}

// AddRule registers r. A rule with the same id is replaced in place.
func (v *Validator) AddRule(r Rule) error {
	if r.ID == "" || r.Validate == nil {
		return fmt.Errorf("%w: id and validate function are required", ErrInvalidRule)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.rules {
		if v.rules[i].ID == r.ID {
			v.rules[i] = r
			return nil
		}
	}
	v.rules = append(v.rules, r)
	return nil
}

// RemoveRule reports whether a rule was removed.
func (v *Validator) RemoveRule(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.rules {
		if v.rules[i].ID == id {
			v.rules = append(v.rules[:i], v.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (v *Validator) GetRule(id string) (RuleInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, r := range v.rules {
		if r.ID == id {
			return r.Info(), true
		}
	}
	return RuleInfo{}, false
}

// ListRules returns the registered rules in registration order.
func (v *Validator) ListRules() []RuleInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]RuleInfo, len(v.rules))
	for i, r := range v.rules {
		out[i] = r.Info()
	}
	return out
}

func (v *Validator) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Stats{
		TotalRules:      len(v.rules),
		RulesByCategory: make(map[Category]int),
		RulesBySeverity: make(map[Severity]int),
	}
	for _, r := range v.rules {
		s.RulesByCategory[r.Category]++
		s.RulesBySeverity[r.Severity]++
		if r.Required {
			s.RequiredRules++
		}
	}
	return s
}

func (v *Validator) snapshot(keep func(Rule) bool) []Rule {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Rule, 0, len(v.rules))
	for _, r := range v.rules {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// ValidateCompliance runs every registered rule.
func (v *Validator) ValidateCompliance(ctx context.Context, vc ValidationContext) Report {
	v.metrics.Validation("full")
	report := v.validate(ctx, vc, v.snapshot(nil))
	v.metrics.ComplianceScore(report.OverallCompliance)
	return report
}

// ValidateCategory runs only the rules of one safeguard category.
func (v *Validator) ValidateCategory(ctx context.Context, vc ValidationContext, c Category) Report {
	v.metrics.Validation("category")
	return v.validate(ctx, vc, v.snapshot(func(r Rule) bool { return r.Category == c }))
}

// QuickValidation runs only required critical rules.
func (v *Validator) QuickValidation(ctx context.Context, vc ValidationContext) QuickResult {
	v.metrics.Validation("quick")
	start := v.now()
	results := v.run(ctx, vc, v.snapshot(func(r Rule) bool {
		return r.Required && r.Severity == SeverityCritical
	}))
	q := QuickResult{
		FailedRules: []string{},
		RuleResults: results,
		Performance: PerformanceMetrics{ExecutionTime: v.now().Sub(start), RulesEvaluated: len(results)},
	}
	for _, r := range results {
		if !r.Passed {
			q.CriticalFailures++
			q.FailedRules = append(q.FailedRules, r.RuleID)
		}
	}
	q.Passed = q.CriticalFailures == 0
	return q
}

// AdvancedValidation is a full validation plus a severity weighted risk
// score over the failed rules.
func (v *Validator) AdvancedValidation(ctx context.Context, vc ValidationContext) AdvancedResult {
	v.metrics.Validation("advanced")
	report := v.validate(ctx, vc, v.snapshot(nil))
	v.metrics.ComplianceScore(report.OverallCompliance)

	res := AdvancedResult{Report: report, PriorityRecommendations: []string{}}
	if report.TotalRules > 0 {
		failedWeight := 0
		for _, r := range report.RuleResults {
			if !r.Passed {
				failedWeight += r.Severity.Weight()
			}
		}
		res.RiskScore = int(math.Round(float64(failedWeight) / float64(report.TotalRules*maxSeverityWeight) * 100))
	}
	res.RiskLevel = riskLevel(res.RiskScore)
	res.PriorityRecommendations = priorityRecommendations(report.RuleResults)
	v.metrics.RiskScore(float64(res.RiskScore))
	return res
}

func riskLevel(score int) RiskLevel {
	switch {
	case score <= 20:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// priorityRecommendations lists recommendations of failed critical rules,
// then failed high rules, deduplicated and capped.
func priorityRecommendations(results []RuleResult) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, sev := range []Severity{SeverityCritical, SeverityHigh} {
		for _, r := range results {
			if r.Passed || r.Severity != sev {
				continue
			}
			for _, rec := range r.Recommendations {
				if seen[rec] {
					continue
				}
				seen[rec] = true
				out = append(out, rec)
				if len(out) == maxPriorityRecommendations {
					return out
				}
			}
		}
	}
	return out
}

func (v *Validator) validate(ctx context.Context, vc ValidationContext, rules []Rule) Report {
	start := v.now()
	results := v.run(ctx, vc, rules)

	report := Report{
		TotalRules:      len(results),
		Timestamp:       start,
		RuleResults:     results,
		Recommendations: []string{},
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if r.Passed {
			report.PassedRules++
			continue
		}
		report.FailedRules++
		if r.Severity == SeverityCritical {
			report.CriticalFailures++
		}
		for _, rec := range r.Recommendations {
			if !seen[rec] {
				seen[rec] = true
				report.Recommendations = append(report.Recommendations, rec)
			}
		}
	}
	report.OverallCompliance = 100
	if report.TotalRules > 0 {
		report.OverallCompliance = int(math.Round(float64(report.PassedRules) / float64(report.TotalRules) * 100))
	}
	report.Performance = PerformanceMetrics{ExecutionTime: v.now().Sub(start), RulesEvaluated: len(results)}

	if report.CriticalFailures > 0 {
		v.logger.Warn().
			Int("critical_failures", report.CriticalFailures).
			Int("compliance", report.OverallCompliance).
			Msg("critical compliance failures")
	}
	return report
}

// run evaluates rules concurrently. Results keep registration order.
func (v *Validator) run(ctx context.Context, vc ValidationContext, rules []Rule) []RuleResult {
	results := make([]RuleResult, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range rules {
		i, rule := i, rule
		g.Go(func() error {
			results[i] = v.evaluate(gctx, vc, rule)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if !r.Passed {
			v.metrics.RuleFailed(r.RuleID)
		}
	}
	return results
}

func (v *Validator) evaluate(ctx context.Context, vc ValidationContext, rule Rule) (res RuleResult) {
	start := v.now()
	res = RuleResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Category: rule.Category,
		Severity: rule.Severity,
	}
	defer func() {
		if p := recover(); p != nil {
			v.logger.Error().Str("rule", rule.ID).Interface("panic", p).Msg("compliance rule panicked")
			res.Passed = false
			res.Message = fmt.Sprintf("Rule execution failed: %v", p)
			res.Details = nil
			res.Recommendations = []string{ruleFailureRecommendation}
		}
		res.ExecutionTime = v.now().Sub(start)
	}()

	out, err := rule.Validate(ctx, vc)
	if err != nil {
		v.logger.Error().Err(err).Str("rule", rule.ID).Msg("compliance rule failed to execute")
		res.Message = "Rule execution failed: " + err.Error()
		res.Recommendations = []string{ruleFailureRecommendation}
		return res
	}
	res.Passed = out.Passed
	res.Message = out.Message
	res.Details = out.Details
	res.Recommendations = out.Recommendations
	return res
}

// ReportSummary renders a report as plain text.
func ReportSummary(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HIPAA Compliance Report\n")
	fmt.Fprintf(&b, "=======================\n\n")
	fmt.Fprintf(&b, "Overall Compliance: %d%%\n", r.OverallCompliance)
	fmt.Fprintf(&b, "Total Rules: %d\n", r.TotalRules)
	fmt.Fprintf(&b, "Passed: %d\n", r.PassedRules)
	fmt.Fprintf(&b, "Failed: %d\n", r.FailedRules)
	fmt.Fprintf(&b, "Critical Failures: %d\n", r.CriticalFailures)
	fmt.Fprintf(&b, "Execution Time: %s\n", r.Performance.ExecutionTime)

	var failed []RuleResult
	for _, res := range r.RuleResults {
		if !res.Passed {
			failed = append(failed, res)
		}
	}
	if len(failed) > 0 {
		sort.SliceStable(failed, func(i, j int) bool {
			return failed[i].Severity.Weight() > failed[j].Severity.Weight()
		})
		b.WriteString("\nFailed Rules:\n")
		for _, res := range failed {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", strings.ToUpper(string(res.Severity)), res.RuleName, res.Message)
		}
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&b, "%d. %s\n", i+1, rec)
		}
	}
	return b.String()
}
