package connection

import (
	"brd-sync/internal/common/api"
	"brd-sync/internal/config"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type ConnectionApi struct {
	controller *ConnectionController
	config     *config.Config
}

func NewConnectionApi(controller *ConnectionController, config *config.Config) api.Route {
	return &ConnectionApi{
		controller: controller,
		config:     config,
	}
}

func (h *ConnectionApi) Setup(app *fiber.App) {
	jiraGroup := app.Group("/api/jira")

	// authenticated by the single-use state
	jiraGroup.Get("/callback", h.controller.Callback)

	auth := middleware.AuthMiddleware(h.config.SkipAuth)
	jiraGroup.Get("/auth", auth, h.controller.Authorize)
	jiraGroup.Get("/connections", auth, h.controller.ListConnections)
	jiraGroup.Post("/connections/:id/revoke", auth, h.controller.Revoke)
}
