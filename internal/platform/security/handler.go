package security

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/compliance"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/metrics"
	"github.com/ehr/compliance/internal/platform/session"
)

// Handler serves the security API.
type Handler struct {
	mgr     *Manager
	metrics *metrics.Recorder
}

// NewHandler creates a handler. rec may be nil, in which case /metrics is
// not registered.
func NewHandler(mgr *Manager, rec *metrics.Recorder) *Handler {
	return &Handler{mgr: mgr, metrics: rec}
}

// RegisterRoutes registers the security endpoints on g, normally
// /api/v1/security. Authentication is expected to run before g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/health", h.HandleHealth)
	if h.metrics != nil {
		g.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
	}

	api := g.Group("", h.requireInitialized)
	api.POST("/access/check", h.HandleCheckAccess)

	api.GET("/compliance/rules", h.HandleListRules)
	api.POST("/compliance/validate", h.HandleValidate)
	api.POST("/compliance/quick", h.HandleQuickValidate)
	api.POST("/compliance/advanced", h.HandleAdvancedValidate)

	api.POST("/sessions", h.HandleCreateSession)
	api.GET("/sessions", h.HandleListSessions, auth.RequireRole("admin"))
	api.GET("/sessions/:id", h.HandleGetSession)
	api.POST("/sessions/:id/renew", h.HandleRenewSession)
	api.DELETE("/sessions/:id", h.HandleTerminateSession)
	api.DELETE("/users/:id/sessions", h.HandleTerminateUserSessions, auth.RequireRole("admin"))

	api.POST("/mfa/enroll", h.HandleEnrollMFA)
	api.POST("/mfa/verify", h.HandleVerifyMFA)

	api.POST("/mask", h.HandleMask)

	api.POST("/audit/events", h.HandleLogEvent)
	api.GET("/audit/events", h.HandleListEvents, auth.RequireRole("auditor"))
	api.GET("/audit/events/:id", h.HandleGetEvent, auth.RequireRole("auditor"))
	api.GET("/audit/summary", h.HandleAuditSummary, auth.RequireRole("auditor"))
	api.GET("/audit/export", h.HandleAuditExport, auth.RequireRole("auditor"))
	api.POST("/audit/cleanup", h.HandleAuditCleanup, auth.RequireRole("admin"))

	api.POST("/disclosures", h.HandleRecordDisclosure, auth.RequireRole("physician"))
	api.GET("/patients/:patientId/disclosures", h.HandleListDisclosures, auth.RequireRole("physician", "auditor"))

	api.GET("/retention/policies", h.HandleRetentionPolicies)
	api.POST("/tokens/revoke", h.HandleRevokeToken, auth.RequireRole("admin"))
}

func (h *Handler) requireInitialized(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !h.mgr.Initialized() {
			return echo.NewHTTPError(http.StatusServiceUnavailable, ErrNotInitialized.Error())
		}
		return next(c)
	}
}

func isAdmin(c echo.Context) bool {
	return hasRole(c)
}

// hasRole reports whether the caller holds admin or one of roles.
func hasRole(c echo.Context, roles ...string) bool {
	for _, r := range auth.RolesFromContext(c.Request().Context()) {
		if r == "admin" {
			return true
		}
		for _, want := range roles {
			if r == want {
				return true
			}
		}
	}
	return false
}

// actingUser resolves the user a request acts for. An empty claim means
// the caller. Naming another user requires admin or one of roles.
func actingUser(c echo.Context, claimed string, roles ...string) (string, error) {
	caller := auth.UserIDFromContext(c.Request().Context())
	if claimed == "" || claimed == caller {
		return caller, nil
	}
	if hasRole(c, roles...) {
		return claimed, nil
	}
	return "", echo.NewHTTPError(http.StatusForbidden, "cannot act on behalf of another user")
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	health := h.mgr.HealthCheck()
	status := http.StatusOK
	if health.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

// HandleCheckAccess handles POST /access/check. The decision is returned
// as data whether or not access is granted. Only admins and auditors may
// check another user.
func (h *Handler) HandleCheckAccess(c echo.Context) error {
	var ac auth.AccessContext
	if err := c.Bind(&ac); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	userID, err := actingUser(c, ac.UserID, "auditor")
	if err != nil {
		return err
	}
	ac.UserID = userID
	if ac.Resource == "" || ac.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource and action are required")
	}
	decision, err := h.mgr.CheckAccess(c.Request().Context(), ac)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decision)
}

// ComplianceRequest is the flat validation context accepted by the
// compliance endpoints.
type ComplianceRequest struct {
	Data          any            `json:"data,omitempty"`
	UserID        string         `json:"userId"`
	UserRole      string         `json:"userRole"`
	Permissions   []string       `json:"permissions"`
	SessionID     string         `json:"sessionId"`
	IPAddress     string         `json:"ipAddress"`
	UserAgent     string         `json:"userAgent"`
	OperationType string         `json:"operationType"`
	Resource      string         `json:"resource"`
	ResourceID    string         `json:"resourceId"`
	AuditLogged   bool           `json:"auditLogged"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Category      string         `json:"category,omitempty"`
}

// Context converts the request into a validation context.
func (r ComplianceRequest) Context() compliance.ValidationContext {
	return compliance.NewValidationContext(compliance.ContextOptions{
		Data:               r.Data,
		UserID:             r.UserID,
		UserRole:           r.UserRole,
		Permissions:        r.Permissions,
		SessionID:          r.SessionID,
		IPAddress:          r.IPAddress,
		UserAgent:          r.UserAgent,
		OperationType:      compliance.OperationType(r.OperationType),
		Resource:           r.Resource,
		ResourceID:         r.ResourceID,
		AuditLogged:        r.AuditLogged,
		AdditionalMetadata: r.Metadata,
	})
}

func (h *Handler) bindCompliance(c echo.Context) (ComplianceRequest, compliance.ValidationContext, error) {
	var req ComplianceRequest
	if err := c.Bind(&req); err != nil {
		return req, compliance.ValidationContext{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.SessionID == "" {
		req.SessionID = auth.SessionIDFromContext(c.Request().Context())
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request().UserAgent()
	}
	req.Metadata = StripSessionFlags(req.Metadata)
	return req, h.mgr.EnrichContext(req.Context()), nil
}

// HandleListRules handles GET /compliance/rules.
func (h *Handler) HandleListRules(c echo.Context) error {
	v := h.mgr.Compliance()
	return c.JSON(http.StatusOK, map[string]any{
		"rules": v.ListRules(),
		"stats": v.Stats(),
	})
}

// HandleValidate handles POST /compliance/validate. A category narrows the
// run to one safeguard category.
func (h *Handler) HandleValidate(c echo.Context) error {
	req, vc, err := h.bindCompliance(c)
	if err != nil {
		return err
	}
	v := h.mgr.Compliance()
	ctx := c.Request().Context()
	switch compliance.Category(req.Category) {
	case "":
		return c.JSON(http.StatusOK, v.ValidateCompliance(ctx, vc))
	case compliance.CategoryAdministrative, compliance.CategoryPhysical, compliance.CategoryTechnical:
		return c.JSON(http.StatusOK, v.ValidateCategory(ctx, vc, compliance.Category(req.Category)))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category: "+req.Category)
	}
}

// HandleQuickValidate handles POST /compliance/quick.
func (h *Handler) HandleQuickValidate(c echo.Context) error {
	_, vc, err := h.bindCompliance(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.mgr.Compliance().QuickValidation(c.Request().Context(), vc))
}

// HandleAdvancedValidate handles POST /compliance/advanced.
func (h *Handler) HandleAdvancedValidate(c echo.Context) error {
	_, vc, err := h.bindCompliance(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.mgr.Compliance().AdvancedValidation(c.Request().Context(), vc))
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HandleCreateSession handles POST /sessions. The session belongs to the
// authenticated user and carries the permissions of their current roles.
func (h *Handler) HandleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	role := h.mgr.PrimaryRole(userID)
	if role == "" {
		if roles := auth.RolesFromContext(ctx); len(roles) > 0 {
			role = roles[0]
		}
	}
	s, err := h.mgr.Sessions().CreateSession(userID, role, h.mgr.PermissionsFor(userID), session.CreateOptions{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		Metadata:  StripSessionFlags(req.Metadata),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, s)
}

// HandleListSessions handles GET /sessions (admin).
func (h *Handler) HandleListSessions(c echo.Context) error {
	sessions := h.mgr.Sessions()
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": sessions.ActiveSessions(),
		"stats":    sessions.Stats(),
	})
}

// ownedSession loads a session the caller may act on. Other users'
// sessions are reported as missing unless the caller is an admin.
func (h *Handler) ownedSession(c echo.Context) (session.Session, error) {
	s, ok := h.mgr.Sessions().GetSessionInfo(c.Param("id"))
	if !ok || (s.UserID != auth.UserIDFromContext(c.Request().Context()) && !isAdmin(c)) {
		return session.Session{}, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return s, nil
}

// HandleGetSession handles GET /sessions/:id.
func (h *Handler) HandleGetSession(c echo.Context) error {
	s, err := h.ownedSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

// HandleRenewSession handles POST /sessions/:id/renew.
func (h *Handler) HandleRenewSession(c echo.Context) error {
	if _, err := h.ownedSession(c); err != nil {
		return err
	}
	s, ok := h.mgr.Sessions().RenewSession(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found or expired")
	}
	return c.JSON(http.StatusOK, s)
}

// HandleTerminateSession handles DELETE /sessions/:id.
func (h *Handler) HandleTerminateSession(c echo.Context) error {
	if _, err := h.ownedSession(c); err != nil {
		return err
	}
	if !h.mgr.Sessions().TerminateSession(c.Param("id"), c.QueryParam("reason")) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found or already terminated")
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleTerminateUserSessions handles DELETE /users/:id/sessions (admin).
// ?except= keeps one session alive.
func (h *Handler) HandleTerminateUserSessions(c echo.Context) error {
	n := h.mgr.Sessions().TerminateUserSessions(c.Param("id"), c.QueryParam("except"))
	return c.JSON(http.StatusOK, map[string]int{"terminated": n})
}

// HandleEnrollMFA handles POST /mfa/enroll for the authenticated user.
func (h *Handler) HandleEnrollMFA(c echo.Context) error {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	enrollment, err := h.mgr.MFA().Enroll(userID, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, enrollment)
}

// VerifyMFARequest is the body of POST /mfa/verify.
type VerifyMFARequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// HandleVerifyMFA handles POST /mfa/verify.
func (h *Handler) HandleVerifyMFA(c echo.Context) error {
	var req VerifyMFARequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()
	if req.SessionID == "" {
		req.SessionID = auth.SessionIDFromContext(ctx)
	}
	if req.SessionID == "" || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionId and code are required")
	}
	if s, ok := h.mgr.Sessions().GetSessionInfo(req.SessionID); ok && s.UserID != auth.UserIDFromContext(ctx) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	verified, err := h.mgr.VerifyMFA(ctx, req.SessionID, req.Code)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, auth.ErrMFANotEnrolled):
		return echo.NewHTTPError(http.StatusBadRequest, "mfa not enrolled")
	case errors.Is(err, auth.ErrMFALocked):
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed attempts, try again later")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"verified": verified})
}

// HandleMask handles POST /mask.
func (h *Handler) HandleMask(c echo.Context) error {
	var obj map[string]any
	if err := c.Bind(&obj); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	masked, err := h.mgr.MaskObject(obj)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, masked)
}

// HandleLogEvent handles POST /audit/events. The user defaults to the
// caller and only admins may record events for someone else.
func (h *Handler) HandleLogEvent(c echo.Context) error {
	var ev hipaa.AuditEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()
	userID, err := actingUser(c, ev.UserID)
	if err != nil {
		return err
	}
	ev.UserID = userID
	if ev.SessionID == "" {
		ev.SessionID = auth.SessionIDFromContext(ctx)
	}
	if ev.IPAddress == "" {
		ev.IPAddress = c.RealIP()
	}
	if ev.UserAgent == "" {
		ev.UserAgent = c.Request().UserAgent()
	}

	id, err := h.mgr.LogEvent(ctx, ev)
	if errors.Is(err, hipaa.ErrInvalidAuditEvent) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// HandleListEvents handles GET /audit/events (auditor, admin).
func (h *Handler) HandleListEvents(c echo.Context) error {
	f, err := auditFilter(c)
	if err != nil {
		return err
	}
	logs := h.mgr.Audit().GetAuditLogs(f)
	return c.JSON(http.StatusOK, map[string]any{"total": len(logs), "entries": logs})
}

func auditFilter(c echo.Context) (hipaa.AuditFilter, error) {
	f := hipaa.AuditFilter{
		UserID:       c.QueryParam("userId"),
		PatientID:    c.QueryParam("patientId"),
		EventType:    hipaa.EventType(c.QueryParam("eventType")),
		Outcome:      hipaa.Outcome(c.QueryParam("outcome")),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resourceType"),
	}
	var err error
	if f.StartDate, err = queryTime(c, "startDate"); err != nil {
		return f, err
	}
	if f.EndDate, err = queryTime(c, "endDate"); err != nil {
		return f, err
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

// HandleGetEvent handles GET /audit/events/:id (auditor, admin).
func (h *Handler) HandleGetEvent(c echo.Context) error {
	e, ok := h.mgr.Audit().GetAuditLog(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
	}
	return c.JSON(http.StatusOK, e)
}

// HandleAuditSummary handles GET /audit/summary (auditor, admin).
func (h *Handler) HandleAuditSummary(c echo.Context) error {
	f, err := auditFilter(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hipaa.SummarizeAuditEntries(h.mgr.Audit().GetAuditLogs(f)))
}

// HandleAuditExport handles GET /audit/export (auditor, admin). The export
// itself is audited before any bytes are written.
func (h *Handler) HandleAuditExport(c echo.Context) error {
	format, err := hipaa.ParseExportFormat(c.QueryParam("format"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := auditFilter(c)
	if err != nil {
		return err
	}
	entries := h.mgr.Audit().GetAuditLogs(f)

	ctx := c.Request().Context()
	if _, err := h.mgr.LogEvent(ctx, hipaa.AuditEvent{
		EventType:    hipaa.EventExport,
		UserID:       auth.UserIDFromContext(ctx),
		Action:       "audit_export",
		Outcome:      hipaa.OutcomeSuccess,
		ResourceType: "audit_log",
		IPAddress:    c.RealIP(),
		UserAgent:    c.Request().UserAgent(),
		SessionID:    auth.SessionIDFromContext(ctx),
		Details:      map[string]any{"format": string(format), "count": len(entries)},
	}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, format.ContentType())
	res.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"audit_export_%s.%s\"", time.Now().UTC().Format("20060102_150405"), format))
	res.WriteHeader(http.StatusOK)
	return hipaa.WriteAuditExport(res, format, entries)
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	s := c.QueryParam(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": must be RFC3339")
	}
	return t, nil
}

// HandleRecordDisclosure handles POST /disclosures (physician, admin). The
// discloser is the caller unless an admin names someone else.
func (h *Handler) HandleRecordDisclosure(c echo.Context) error {
	var d hipaa.Disclosure
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	by, err := actingUser(c, d.DisclosedBy)
	if err != nil {
		return err
	}
	d.DisclosedBy = by
	if d.IPAddress == "" {
		d.IPAddress = c.RealIP()
	}
	id, err := h.mgr.Audit().RecordDisclosure(c.Request().Context(), d)
	if errors.Is(err, hipaa.ErrInvalidDisclosure) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// HandleListDisclosures handles GET /patients/:patientId/disclosures
// (physician, auditor, admin). Without start the window covers the last six
// years.
func (h *Handler) HandleListDisclosures(c echo.Context) error {
	from, err := queryTime(c, "start")
	if err != nil {
		return err
	}
	to, err := queryTime(c, "end")
	if err != nil {
		return err
	}
	patientID := c.Param("patientId")
	disclosures := h.mgr.Audit().Disclosures(patientID, from, to)
	return c.JSON(http.StatusOK, map[string]any{
		"patientId": patientID,
		"total":     len(disclosures),
		"data":      disclosures,
	})
}

// HandleAuditCleanup handles POST /audit/cleanup (admin).
func (h *Handler) HandleAuditCleanup(c echo.Context) error {
	removed := h.mgr.Audit().CleanupOldLogs()
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

// HandleRetentionPolicies handles GET /retention/policies.
func (h *Handler) HandleRetentionPolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.Retention().GetAllPolicies())
}

// RevokeTokenRequest is the body of POST /tokens/revoke. Either a token id
// or a user id is required.
type RevokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    string    `json:"userId"`
}

// HandleRevokeToken handles POST /tokens/revoke (admin).
func (h *Handler) HandleRevokeToken(c echo.Context) error {
	var req RevokeTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	revocations := h.mgr.Revocations()
	switch {
	case req.JTI != "":
		if req.ExpiresAt.IsZero() {
			return echo.NewHTTPError(http.StatusBadRequest, "expiresAt is required with jti")
		}
		revocations.Revoke(req.JTI, req.ExpiresAt)
	case req.UserID != "":
		revocations.RevokeUser(req.UserID)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "jti or userId is required")
	}
	return c.NoContent(http.StatusNoContent)
}
