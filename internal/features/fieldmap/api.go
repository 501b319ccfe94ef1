package fieldmap

import (
	"brd-sync/internal/common/api"
	"brd-sync/internal/config"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type RuleApi struct {
	controller *RuleController
	config     *config.Config
}

func NewRuleApi(controller *RuleController, config *config.Config) api.Route {
	return &RuleApi{
		controller: controller,
		config:     config,
	}
}

func (h *RuleApi) Setup(app *fiber.App) {
	rules := app.Group("/api/sync/field-mappings", middleware.AuthMiddleware(h.config.SkipAuth))

	rules.Get("/", h.controller.ListRules)
	rules.Post("/", h.controller.CreateRule)
	rules.Put("/:id", h.controller.UpdateRule)
	rules.Delete("/:id", h.controller.DeleteRule)
}
