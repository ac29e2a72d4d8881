package middleware

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SessionConfig for the Redis-backed session written by the upstream identity service.
type SessionConfig struct {
	RedisURL string
}

const (
	SessionCookieName  = "escrow.sid"
	SessionHeader      = "X-Session-Id"
	SessionRedisPrefix = "session:"
)

// SessionUser is the shape stored in session under "user".
type SessionUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Session opens the Redis client and returns the middleware reading sessions from it.
func Session(cfg SessionConfig) (fiber.Handler, *redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	return SessionFrom(rdb), rdb, nil
}

// SessionFrom loads the session user from Redis into Locals("user").
// The session id comes from the cookie ("s:id.sig" form accepted) or the X-Session-Id header.
func SessionFrom(rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sessionID := sessionIDFrom(c)
		c.Locals("session_id", sessionID)
		if sessionID == "" {
			return c.Next()
		}

		b, err := rdb.Get(c.UserContext(), SessionRedisPrefix+sessionID).Bytes()
		if err != nil {
			if err != redis.Nil {
				log.Warn().Err(err).Msg("session lookup failed")
			}
			return c.Next()
		}
		var data struct {
			User *SessionUser `json:"user"`
		}
		if err := json.Unmarshal(b, &data); err != nil || data.User == nil || data.User.UserID == "" {
			return c.Next()
		}
		c.Locals(userLocal, map[string]interface{}{
			"user_id":      data.User.UserID,
			"display_name": data.User.DisplayName,
			"role":         data.User.Role,
		})
		return c.Next()
	}
}

func sessionIDFrom(c *fiber.Ctx) string {
	sessionID := c.Cookies(SessionCookieName)
	if sessionID == "" {
		sessionID = c.Get(SessionHeader)
	}
	if strings.HasPrefix(sessionID, "s:") {
		sessionID = strings.SplitN(sessionID[2:], ".", 2)[0]
	}
	return strings.TrimSpace(sessionID)
}

// GetSessionID returns the current session ID from context.
func GetSessionID(c *fiber.Ctx) string {
	sid, _ := c.Locals("session_id").(string)
	return sid
}

// StoreSession writes a session for user; used by tooling and tests that stand in for the identity service.
func StoreSession(ctx context.Context, rdb *redis.Client, sessionID string, user SessionUser) error {
	b, err := json.Marshal(map[string]interface{}{"user": user})
	if err != nil {
		return err
	}
	return rdb.Set(ctx, SessionRedisPrefix+sessionID, b, 0).Err()
}
