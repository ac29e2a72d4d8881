package bootstrap

import (
	"milestone-escrow/internal/config"
	"milestone-escrow/internal/interfaces/router"

	"github.com/gofiber/fiber/v2"
)

// New creates the Fiber app for serverless entry points (api handler imports this package, not internal).
// No reconciler runs here; pending releases are resumed by the next release call or POST /api/v1/admin/reconcile.
func New() (*fiber.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app, _, err := router.CreateApp(cfg)
	return app, err
}
