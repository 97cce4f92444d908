// middleware/sse_auth.go
package middleware

import (
	"context"
	"strings"
	"time"

	"game-reward-ledger/logger"

	"github.com/gofiber/fiber/v2"
)

// TokenValidator checks an end-user access token for a device.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken, deviceID string) (*ValidateResponse, error)
}

// SSEAuthMiddleware authenticates EventSource clients, which cannot set
// headers, from the `token` and `device_id` query params. A request that
// already carries X-User-ID from the Gateway is passed to UserContext rules.
func SSEAuthMiddleware(validator TokenValidator, log *logger.Logger) fiber.Handler {
	log = log.Named("sse_auth")
	userCtx := UserContextMiddleware(log)

	return func(c *fiber.Ctx) error {
		if c.Get("X-User-ID") != "" || validator == nil {
			return userCtx(c)
		}

		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))
		if accessToken == "" || deviceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing token or device_id in query",
			})
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
		defer cancel()
		resp, err := validator.ValidateToken(ctx, accessToken, deviceID)
		if err != nil {
			log.Warn("token validation failed for device %s: %v", deviceID, err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		c.Locals(UserIDKey, resp.UserID)
		c.Locals(UserRolesKey, resp.Roles)
		return c.Next()
	}
}
