package api

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// ValidateContentType rejects request bodies that are not JSON.
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().ContentLength == 0 {
			return next(c)
		}
		contentType := c.Request().Header.Get(echo.HeaderContentType)
		if !strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
			return BadRequestError(
				"Invalid Content-Type",
				"Content-Type must be 'application/json'. Got: "+contentType,
			)
		}
		return next(c)
	}
}

// SecurityHeaders sets the usual hardening headers. The proxy route drops
// X-Frame-Options again so projects can be embedded.
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return next(c)
	}
}
