package middleware

import (
	"milestone-escrow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const userLocal = "user"

// RequireAuth ensures an actor is in the session. Returns 401 with standard error format if not.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if ActorID(c) == "" {
			return response.Unauthorized(c, "Unauthorized")
		}
		c.Locals("auth", GetUser(c))
		return c.Next()
	}
}

// GetUser returns the session user from Locals (nil if not logged in).
func GetUser(c *fiber.Ctx) interface{} {
	return c.Locals(userLocal)
}

// ActorID returns the user_id of the session user, or "" when absent.
func ActorID(c *fiber.Ctx) string {
	return userField(GetUser(c), "user_id")
}

func userField(user interface{}, key string) string {
	m, ok := user.(map[string]interface{})
	if !ok {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
