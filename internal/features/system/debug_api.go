package system

import (
	"brd-sync/internal/common/api"
	"brd-sync/internal/config"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type DebugApi struct {
	controller *DebugController
	config     *config.Config
}

func NewDebugApi(controller *DebugController, cfg *config.Config) api.Route {
	return &DebugApi{
		controller: controller,
		config:     cfg,
	}
}

// Setup registers the health probe and debug routes
func (h *DebugApi) Setup(app *fiber.App) {
	app.Get("/health", h.controller.Health)

	debug := app.Group("/api/debug", middleware.AuthMiddleware(h.config.SkipAuth))
	debug.Get("/me", h.controller.GetCurrentUser)
}
