package webhook

import (
	"brd-sync/internal/features/connection"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type WebhookController struct {
	Service     WebhookService
	Connections connection.CredentialManager
}

func NewWebhookController(service WebhookService, connections connection.CredentialManager) *WebhookController {
	return &WebhookController{Service: service, Connections: connections}
}

// Receive godoc
// @Summary Inbound Jira issue notification
// @Tags sync
// @Param connectionId path string true "Connection ID"
// @Param X-Hub-Signature header string true "sha256=<hex hmac>"
// @Success 202 {object} map[string]string
// @Router /api/sync/webhook/{connectionId} [post]
func (ctrl *WebhookController) Receive(c *fiber.Ctx) error {
	// the outcome is logged, never reported: every request gets the same answer
	_ = ctrl.Service.Ingest(c.UserContext(), c.Params("connectionId"), c.Body(), c.Get(SignatureHeader))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// ListDeliveries godoc
// @Summary Recent webhook deliveries for a connection
// @Tags sync
// @Param connectionId path string true "Connection ID"
// @Param limit query int false "Max entries"
// @Router /api/sync/webhook/{connectionId}/deliveries [get]
func (ctrl *WebhookController) ListDeliveries(c *fiber.Ctx) error {
	connID := c.Params("connectionId")
	conn, err := ctrl.Connections.Get(c.UserContext(), connID)
	if err != nil || conn.UserID != middleware.UserID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": connection.ErrNotFound.Error()})
	}

	deliveries, err := ctrl.Service.ListDeliveries(c.UserContext(), connID, int64(c.QueryInt("limit", 50)))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"data": deliveries})
}
