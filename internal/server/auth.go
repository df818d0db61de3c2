package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"predictgate/internal/auditlog"
	"predictgate/internal/identity"
)

// SessionReader resolves the identity session of a request.
type SessionReader interface {
	Current(r *http.Request) (identity.Snapshot, error)
}

// AuthMiddleware guards the API routes. A signed-in session is always let
// through. Otherwise the master key is checked when one is configured, and
// anonymous requests are refused when required is set.
func AuthMiddleware(masterKey string, sessions SessionReader, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if sessions != nil {
				snap, err := sessions.Current(c.Request())
				if err != nil {
					slog.WarnContext(c.Request().Context(), "failed to read identity session", "error", err)
				} else if snap.SignedIn() {
					auditlog.EnrichEntryWithUser(c, snap.User.Username)
					return next(c)
				}
			}

			mustAuth := masterKey != "" || (required && sessions != nil)
			if !mustAuth {
				return next(c)
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				if masterKey == "" {
					return authError(c, "sign-in required")
				}
				return authError(c, "missing authorization header")
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return authError(c, "invalid authorization header format, expected 'Bearer <token>'")
			}

			token := strings.TrimPrefix(authHeader, prefix)
			if masterKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(masterKey)) != 1 {
				return authError(c, "invalid master key")
			}

			return next(c)
		}
	}
}

func authError(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, map[string]any{
		"error": map[string]any{
			"type":    "authentication_error",
			"message": message,
		},
	})
}
