package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/compliance"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/internal/platform/security"
)

func testManager(t *testing.T) *security.Manager {
	t.Helper()
	cfg := security.DefaultConfig()
	cfg.Session.CleanupInterval = 0
	mgr := security.NewManager(cfg, zerolog.New(nil))
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr
}

func devConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		CORSOrigins:    []string{"http://localhost:3000"},
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "validate": false, "roles": false, "audit": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q", name)
		}
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, `"service":"compliance-server"`) {
		t.Errorf("unexpected log output: %s", out)
	}
}

func TestNewServer_Routes(t *testing.T) {
	mgr := testManager(t)
	e := newServer(devConfig(), zerolog.New(nil), mgr, metrics.New(), nil)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"health", "/health", http.StatusOK},
		{"db health without database", "/health/db", http.StatusOK},
		{"metrics", "/metrics", http.StatusOK},
		{"security health", "/api/v1/security/health", http.StatusOK},
		{"dev auth reaches api", "/api/v1/security/compliance/rules", http.StatusOK},
		{"unknown route", "/api/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("GET %s: expected %d, got %d: %s", tt.path, tt.status, rec.Code, rec.Body.String())
			}
			if rec.Header().Get(middleware.RequestIDHeader) == "" {
				t.Error("expected a request id header")
			}
		})
	}
}

func TestNewServer_RejectsUnknownSession(t *testing.T) {
	mgr := testManager(t)
	e := newServer(devConfig(), zerolog.New(nil), mgr, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/security/compliance/rules", nil)
	req.Header.Set(middleware.SessionHeader, "does-not-exist")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown session, got %d", rec.Code)
	}
}

func TestNewServer_AuditsAPIAccess(t *testing.T) {
	mgr := testManager(t)
	e := newServer(devConfig(), zerolog.New(nil), mgr, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/security/retention/policies", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if mgr.Audit().Stats().TotalLogs == 0 {
		t.Error("expected the request to be written to the audit log")
	}
}

func TestReadComplianceRequest(t *testing.T) {
	body := `{"userId":"dr1","userRole":"physician","operationType":"read","auditLogged":true}`

	t.Run("stdin", func(t *testing.T) {
		req, err := readComplianceRequest("-", strings.NewReader(body))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.UserID != "dr1" || !req.AuditLogged {
			t.Errorf("unexpected request: %+v", req)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ctx.json")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		req, err := readComplianceRequest(path, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.UserRole != "physician" {
			t.Errorf("expected physician, got %q", req.UserRole)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := readComplianceRequest(filepath.Join(t.TempDir(), "absent.json"), nil); err == nil {
			t.Error("expected an error for a missing file")
		}
	})

	t.Run("bad json", func(t *testing.T) {
		if _, err := readComplianceRequest("-", strings.NewReader("{")); err == nil {
			t.Error("expected a decode error")
		}
	})
}

func TestRunValidation(t *testing.T) {
	mgr := testManager(t)
	req := security.ComplianceRequest{
		UserID:        "dr1",
		UserRole:      "physician",
		OperationType: "read",
		Resource:      "patient",
		AuditLogged:   true,
	}
	ctx := context.Background()

	t.Run("full", func(t *testing.T) {
		var out bytes.Buffer
		if err := runValidation(ctx, &out, mgr, req, "full", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out.String(), "HIPAA Compliance Report") {
			t.Errorf("expected report summary, got %s", out.String())
		}
	})

	t.Run("full json", func(t *testing.T) {
		var out bytes.Buffer
		if err := runValidation(ctx, &out, mgr, req, "full", true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var report compliance.Report
		if err := json.Unmarshal(out.Bytes(), &report); err != nil {
			t.Fatalf("expected JSON report: %v", err)
		}
		if report.TotalRules == 0 {
			t.Error("expected rules to be evaluated")
		}
	})

	t.Run("single category", func(t *testing.T) {
		r := req
		r.Category = string(compliance.CategoryTechnical)
		var out bytes.Buffer
		if err := runValidation(ctx, &out, mgr, r, "full", true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var report compliance.Report
		if err := json.Unmarshal(out.Bytes(), &report); err != nil {
			t.Fatal(err)
		}
		for _, res := range report.RuleResults {
			if res.Category != compliance.CategoryTechnical {
				t.Errorf("rule %s outside the technical category", res.RuleID)
			}
		}
	})

	t.Run("quick", func(t *testing.T) {
		var out bytes.Buffer
		if err := runValidation(ctx, &out, mgr, req, "quick", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(out.String(), "Quick validation ") {
			t.Errorf("unexpected quick output: %s", out.String())
		}
	})

	t.Run("advanced", func(t *testing.T) {
		var out bytes.Buffer
		if err := runValidation(ctx, &out, mgr, req, "advanced", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out.String(), "Risk Score:") {
			t.Errorf("expected a risk score, got %s", out.String())
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		if err := runValidation(ctx, &bytes.Buffer{}, mgr, req, "thorough", false); err == nil {
			t.Error("expected an error for an unknown mode")
		}
	})

	t.Run("unknown category", func(t *testing.T) {
		r := req
		r.Category = "financial"
		if err := runValidation(ctx, &bytes.Buffer{}, mgr, r, "full", false); err == nil {
			t.Error("expected an error for an unknown category")
		}
	})
}

func TestPrintRoles(t *testing.T) {
	roles := []auth.Role{
		{
			ID:       "nurse",
			Name:     "Nurse",
			IsActive: true,
			Permissions: []auth.Permission{
				{Resource: "patient", Actions: []auth.Action{"read", "update"}},
			},
		},
		{ID: "retired", Name: "Retired", IsActive: false},
	}

	var out bytes.Buffer
	if err := printRoles(&out, roles); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[0], "PERMISSIONS") {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "patient:read,update") || !strings.Contains(lines[1], "true") {
		t.Errorf("unexpected nurse row: %q", lines[1])
	}
	if !strings.Contains(lines[2], "false") {
		t.Errorf("unexpected retired row: %q", lines[2])
	}
}
