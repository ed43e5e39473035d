// Package http implements the debug/introspection HTTP surface named in
// §6: a small read-only API over a running client's local state (group
// epoch, fork status, installation diff, conversation list), not a
// public REST API. Grounded on the teacher's fiber router assembly
// (components/crm/internal/adapters/http/in/routes.go), reproduced
// without its lib-commons/lib-auth/swaggo layers per DESIGN.md.
package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/mlscore/core/internal/adapters/http/middleware"
	"github.com/mlscore/core/pkg/mlog"
)

// NewRouter builds the fiber app serving the debug surface. authSecret
// may be nil to run without bearer-token protection (local debugging);
// a non-nil secret requires every request under /debug to carry a valid
// HS256 bearer token, while /health and /version stay open.
func NewRouter(deps Deps, logger mlog.Logger, authSecret []byte) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError

			var fe *fiber.Error
			if ok := asFiberError(err, &fe); ok {
				code = fe.Code
			}

			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(middleware.Recover(logger))
	app.Use(middleware.Telemetry())
	app.Use(cors.New())
	app.Use(middleware.RequestLog(logger))

	h := &handlers{deps: deps}

	app.Get("/health", h.health)
	app.Get("/version", h.version)

	debug := app.Group("/debug")
	if len(authSecret) > 0 {
		debug.Use(middleware.RequireBearer(middleware.JWTConfig{SecretKey: authSecret}))
	}

	debug.Get("/groups/:group_id/epoch", h.epoch)
	debug.Get("/groups/:group_id/fork_status", h.forkStatus)
	debug.Get("/groups/:group_id/installation_diff", h.installationDiff)
	debug.Get("/conversations", h.conversations)

	return app
}

func asFiberError(err error, target **fiber.Error) bool {
	fe, ok := err.(*fiber.Error) //nolint:errorlint // fiber.Error is returned directly by handlers, never wrapped
	if !ok {
		return false
	}

	*target = fe

	return true
}
