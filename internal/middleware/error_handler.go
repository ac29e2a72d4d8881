package middleware

import (
	"context"
	"encoding/json"
	"time"

	"milestone-escrow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const errorLogSize = 50

// ErrorHandler is the global error handler. Returns the standard error format.
// Server errors are logged and, when rdb is set, pushed to the health error log.
func ErrorHandler(rdb *redis.Client) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			message = e.Message
		}
		if code >= fiber.StatusInternalServerError {
			log.Error().Err(err).Str("trace_id", GetTraceID(c)).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			if rdb != nil {
				entry, _ := json.Marshal(map[string]interface{}{
					"time":    time.Now(),
					"method":  c.Method(),
					"path":    c.OriginalURL(),
					"message": err.Error(),
				})
				ctx := context.Background()
				_ = rdb.LPush(ctx, KeyErrorLog, entry).Err()
				_ = rdb.LTrim(ctx, KeyErrorLog, 0, errorLogSize-1).Err()
			}
		}
		return response.Error(c, message, code, map[string]interface{}{})
	}
}
