package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

// AccessAuditor persists audit events. security.Manager and
// hipaa.AuditLogger both satisfy it.
type AccessAuditor interface {
	LogEvent(ctx context.Context, event hipaa.AuditEvent) (string, error)
}

// AccessAuditorFunc is a function adapter for AccessAuditor.
type AccessAuditorFunc func(ctx context.Context, event hipaa.AuditEvent) (string, error)

func (f AccessAuditorFunc) LogEvent(ctx context.Context, event hipaa.AuditEvent) (string, error) {
	return f(ctx, event)
}

// Audit records every API request under /api/v1/ as an audit event once the
// handler has run, so the outcome reflects the response status. Public
// infrastructure paths are skipped. A nil auditor leaves only the
// structured log line.
func Audit(logger zerolog.Logger, auditor AccessAuditor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			status := responseStatus(c, err)
			rid, _ := c.Get("request_id").(string)
			event := hipaa.AuditEvent{
				EventType:    methodEventType(req.Method, path),
				UserID:       auth.UserIDFromContext(ctx),
				PatientID:    extractPatientID(c),
				Action:       httpMethodToAction(req.Method),
				Outcome:      statusOutcome(status),
				ResourceType: extractResourceType(path),
				ResourceID:   c.Param("id"),
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				SessionID:    auth.SessionIDFromContext(ctx),
				Details: map[string]any{
					"method":     req.Method,
					"route":      c.Path(),
					"status":     status,
					"request_id": rid,
				},
			}
			if event.UserID == "" {
				event.UserID = "anonymous"
			}

			if auditor != nil {
				if _, recErr := auditor.LogEvent(ctx, event); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", rid).
						Msg("failed to record audit event")
				}
			}

			evt := logger.Info()
			if event.Outcome != hipaa.OutcomeSuccess {
				evt = logger.Warn()
			}
			evt.
				Str("type", "hipaa_audit").
				Str("request_id", rid).
				Str("user_id", event.UserID).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("resource_type", event.ResourceType).
				Str("action", event.Action).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("remote_ip", event.IPAddress).
				Int("status", status).
				Msg("api_access")

			return err
		}
	}
}

// isAuditablePath reports whether path is an API route that is not a
// public health or metrics endpoint.
func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/") && !auth.IsPublicPath(path)
}

// httpMethodToAction maps HTTP methods to audit action codes.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func methodEventType(method, path string) hipaa.EventType {
	if strings.Contains(path, "/export") {
		return hipaa.EventExport
	}
	switch httpMethodToAction(method) {
	case "create":
		return hipaa.EventCreate
	case "update":
		return hipaa.EventUpdate
	case "delete":
		return hipaa.EventDelete
	default:
		return hipaa.EventAccess
	}
}

func statusOutcome(status int) hipaa.Outcome {
	if status >= 400 {
		return hipaa.OutcomeFailure
	}
	return hipaa.OutcomeSuccess
}

// extractResourceType returns the first path segment after the API prefix,
// skipping the security subsystem's own prefix.
//
//   - /api/v1/patients/123             -> patients
//   - /api/v1/security/sessions/abc    -> sessions
func extractResourceType(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	rest = strings.TrimPrefix(rest, "security/")
	if seg, _, _ := strings.Cut(rest, "/"); seg != "" {
		return seg
	}
	return "unknown"
}

// extractPatientID looks for a patient in /patients/<id> paths and in the
// patient or patientId query parameters.
func extractPatientID(c echo.Context) string {
	path := c.Request().URL.Path
	if _, after, ok := strings.Cut(path, "/patients/"); ok {
		if id, _, _ := strings.Cut(after, "/"); id != "" {
			return id
		}
	}
	for _, name := range []string{"patient", "patientId"} {
		if p := c.QueryParam(name); p != "" {
			return strings.TrimPrefix(p, "Patient/")
		}
	}
	return ""
}
