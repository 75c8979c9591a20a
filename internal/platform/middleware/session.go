package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/session"
)

// SessionHeader names the service-issued session a request belongs to.
const SessionHeader = "X-Session-ID"

// SessionValidator checks a session for a request from ipAddress.
// GetSessionInfo must not touch the session's activity.
type SessionValidator interface {
	ValidateSession(sessionID, ipAddress string) (session.Session, bool, error)
	GetSessionInfo(sessionID string) (session.Session, bool)
}

// Session validates the session named by the X-Session-ID header. Token sid
// claims are not consulted since they may name identity-provider sessions.
// Requests without the header pass through unchanged.
// Ownership is checked before validation, so another user's session is
// rejected with 401 without being refreshed or terminated. Expired, idle
// and terminated sessions are rejected with 401 too.
// A valid session is stored as "session" on the echo context and its id on
// the request context.
func Session(v SessionValidator, logger zerolog.Logger, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			ctx := c.Request().Context()
			id := c.Request().Header.Get(SessionHeader)
			if id == "" {
				return next(c)
			}

			uid := auth.UserIDFromContext(ctx)
			if uid != "" {
				if info, found := v.GetSessionInfo(id); found && info.UserID != uid {
					logger.Warn().
						Str("user_id", uid).
						Str("remote_ip", c.RealIP()).
						Msg("request rejected: session belongs to another user")
					return echo.NewHTTPError(http.StatusUnauthorized, "session does not belong to caller")
				}
			}

			s, ok, err := v.ValidateSession(id, c.RealIP())
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session service unavailable")
			}
			if !ok {
				logger.Warn().
					Str("user_id", uid).
					Str("remote_ip", c.RealIP()).
					Msg("request rejected: invalid session")
				return echo.NewHTTPError(http.StatusUnauthorized, "session expired or invalid")
			}
			if uid != "" && uid != s.UserID {
				return echo.NewHTTPError(http.StatusUnauthorized, "session does not belong to caller")
			}

			c.Set("session", s)
			c.SetRequest(c.Request().WithContext(auth.WithSessionID(ctx, s.ID)))
			return next(c)
		}
	}
}
