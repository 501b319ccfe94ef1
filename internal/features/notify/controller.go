package notify

import (
	"time"

	"brd-sync/internal/config"
	"brd-sync/pkg/utils"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type NotifyController struct {
	Hub    *Hub
	Config *config.Config
}

func NewNotifyController(hub *Hub, cfg *config.Config) *NotifyController {
	return &NotifyController{Hub: hub, Config: cfg}
}

// Upgrade authenticates the handshake. Browsers cannot set headers on a
// websocket request, so the token comes in the query string.
func (ctrl *NotifyController) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if !ctrl.Config.SkipAuth {
		if _, err := utils.ValidateToken(c.Query("token")); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
		}
	}
	c.Locals("job_id", c.Query("job_id"))
	return c.Next()
}

// Stream pushes job events until the client goes away or falls behind.
func (ctrl *NotifyController) Stream(conn *websocket.Conn) {
	jobID, _ := conn.Locals("job_id").(string)
	sub := ctrl.Hub.subscribe(jobID)
	defer ctrl.Hub.unsubscribe(sub)

	// the reader only notices the close frame
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ctrl.Hub.unsubscribe(sub)
				return
			}
		}
	}()

	for msg := range sub.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ctrl.Hub.logger.Debug("Event stream write failed", zap.Error(err))
			return
		}
	}
}
