// middleware/auth.go
package middleware

import (
	"strings"

	"game-reward-ledger/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	UserIDKey    = "user_id"
	UserRolesKey = "user_roles"
)

// UserContextMiddleware extracts the identity and roles the Gateway forwards.
// Routes it guards are unusable without a user.
func UserContextMiddleware(log *logger.Logger) fiber.Handler {
	log = log.Named("user_ctx")
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		if userID == "" {
			log.Warn("X-User-ID missing on %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals(UserIDKey, userID)
		c.Locals(UserRolesKey, roles)
		log.With(zap.String("user_id", userID), zap.Strings("roles", roles)).Debug("user context for %s", c.Path())
		return c.Next()
	}
}

// RequireRole rejects users without role. It must run after a middleware that
// sets the user's roles.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(UserRolesKey).([]string)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": role + " role required",
		})
	}
}

// UserID returns the authenticated user set by UserContextMiddleware or
// SSEAuthMiddleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDKey).(string)
	return id
}
