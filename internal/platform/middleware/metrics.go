package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/compliance/internal/platform/metrics"
)

// Metrics records request counts and latency by route template, so ids in
// paths do not explode label cardinality.
func Metrics(rec *metrics.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			rec.HTTPRequest(c.Request().Method, path, responseStatus(c, err), time.Since(start))
			return err
		}
	}
}
