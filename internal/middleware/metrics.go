package middleware

import (
	"strconv"
	"time"

	"milestone-escrow/internal/pkg/metrics"

	"github.com/gofiber/fiber/v2"
)

// Metrics records request latency by route pattern, so path parameters do not explode label cardinality.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		route := c.Route().Path
		if route == "" || (route == "/" && c.Path() != "/") {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Method(), route, strconv.Itoa(status), time.Since(start))
		return err
	}
}
