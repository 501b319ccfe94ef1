package webhook

import (
	"brd-sync/internal/common/api"
	"brd-sync/internal/config"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type WebhookApi struct {
	controller *WebhookController
	config     *config.Config
}

func NewWebhookApi(controller *WebhookController, config *config.Config) api.Route {
	return &WebhookApi{
		controller: controller,
		config:     config,
	}
}

func (h *WebhookApi) Setup(app *fiber.App) {
	// authenticated by signature
	app.Post("/api/sync/webhook/:connectionId", h.controller.Receive)

	app.Get("/api/sync/webhook/:connectionId/deliveries", middleware.AuthMiddleware(h.config.SkipAuth), h.controller.ListDeliveries)
}
