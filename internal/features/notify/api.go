package notify

import (
	"brd-sync/internal/common/api"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type NotifyApi struct {
	controller *NotifyController
}

func NewNotifyApi(controller *NotifyController) api.Route {
	return &NotifyApi{controller: controller}
}

func (h *NotifyApi) Setup(app *fiber.App) {
	app.Get("/api/sync/ws", h.controller.Upgrade, websocket.New(h.controller.Stream))
}
