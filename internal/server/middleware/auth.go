package middleware

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	PermDocumentsRead  = "documents.read"
	PermDocumentsWrite = "documents.write"
	PermEntitiesRead   = "entities.read"
	PermScenariosRead  = "scenarios.read"
	PermScenariosRun   = "scenarios.run"
	PermScenariosDel   = "scenarios.delete"
)

var allPermissions = []string{
	PermDocumentsRead,
	PermDocumentsWrite,
	PermEntitiesRead,
	PermScenariosRead,
	PermScenariosRun,
	PermScenariosDel,
}

var readPermissions = []string{
	PermDocumentsRead,
	PermEntitiesRead,
	PermScenariosRead,
}

// AuthMiddleware matches the bearer token against the configured API keys.
// An empty key never matches.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		cc := c.(*AppContext)
		switch {
		case keyMatches(cc.App.APIKey, token):
			cc.User = &AppUser{Name: "admin", Permissions: allPermissions}
		case keyMatches(cc.App.ReadAPIKey, token):
			cc.User = &AppUser{Name: "reader", Permissions: readPermissions}
		default:
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}

		return next(c)
	}
}

func keyMatches(key, token string) bool {
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1
}

func HasPermission(user *AppUser, permission string) bool {
	if user == nil {
		return false
	}
	return slices.Contains(user.Permissions, permission)
}

func RequirePermission(permission string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			if !HasPermission(user, permission) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: missing permission " + permission})
			}

			return next(c)
		}
	}
}
