package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer authentication.
var publicPaths = map[string]bool{
	"/health":                  true,
	"/health/db":               true,
	"/metrics":                 true,
	"/api/v1/security/health":  true,
	"/api/v1/security/metrics": true,
}

// AuthSkipper reports whether a request's route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
