package auth

import (
	"context"

	"milestone-escrow/internal/middleware"
	"milestone-escrow/internal/pkg/constants"
	"milestone-escrow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Handlers serves the session endpoints. Login happens in the upstream
// identity service, which writes the session this service reads.
type Handlers struct {
	Rdb *redis.Client
}

// Me GET /api/v1/auth/me returns the session actor.
func (h *Handlers) Me(c *fiber.Ctx) error {
	sessionID := middleware.GetSessionID(c)
	userID := middleware.ActorID(c)

	if userID == "" {
		if sessionID == "" {
			log.Info().Str("path", "/auth/me").Msg("auth/me: no session id")
		} else {
			log.Info().Str("path", "/auth/me").Str("session_id_prefix", truncate(sessionID, 8)).
				Msg("auth/me: session id present but no user in session data")
		}
		return response.Error(c, "Not authenticated", fiber.StatusUnauthorized, nil)
	}

	m, _ := middleware.GetUser(c).(map[string]interface{})
	role, _ := m["role"].(string)
	if role != "" && !constants.IsValidRole(role) {
		log.Warn().Str("user_id", userID).Str("role", role).Msg("auth/me: unknown role in session")
		role = ""
	}
	displayName, _ := m["display_name"].(string)
	return response.Success(c, "Authenticated", fiber.Map{
		"user": middleware.SessionUser{UserID: userID, DisplayName: displayName, Role: role},
	}, nil)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Logout DELETE /api/v1/auth/logout drops the session key and clears the cookie.
func (h *Handlers) Logout(c *fiber.Ctx) error {
	if sessionID := middleware.GetSessionID(c); sessionID != "" && h.Rdb != nil {
		if err := h.Rdb.Del(context.Background(), middleware.SessionRedisPrefix+sessionID).Err(); err != nil {
			log.Warn().Err(err).Msg("logout: session delete failed")
		}
	}
	c.ClearCookie(middleware.SessionCookieName)
	return response.Success(c, "Logged out successfully", nil, nil)
}
