package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Preflight response values advertised to browsers.
const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With"
	corsMaxAge       = "86400"
)

// ApplyCORS sets the allow-all origin header, replacing any existing value.
// Calling it more than once has no further effect.
func ApplyCORS(h http.Header) {
	h.Set(echo.HeaderAccessControlAllowOrigin, "*")
}

// CORS returns an Echo middleware that stamps every response with the CORS
// origin header and answers OPTIONS preflights on any path with 204.
// Register it with Echo#Pre so it runs before routing; router 404s and
// panics recovered later still carry the header.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			ApplyCORS(h)

			if c.Request().Method != http.MethodOptions {
				return next(c)
			}

			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			h.Set(echo.HeaderAccessControlMaxAge, corsMaxAge)
			return c.NoContent(http.StatusNoContent)
		}
	}
}
