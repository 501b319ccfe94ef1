package fieldmap

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

type RuleController struct {
	Service RuleService
}

func NewRuleController(service RuleService) *RuleController {
	return &RuleController{Service: service}
}

// ListRules godoc
// @Summary List field mapping rules
// @Tags sync
// @Produce json
// @Router /api/sync/field-mappings [get]
func (ctrl *RuleController) ListRules(c *fiber.Ctx) error {
	rules, err := ctrl.Service.ListRules(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"data": rules})
}

// CreateRule godoc
// @Summary Create a custom field mapping rule
// @Tags sync
// @Accept json
// @Produce json
// @Router /api/sync/field-mappings [post]
func (ctrl *RuleController) CreateRule(c *fiber.Ctx) error {
	var rule Rule
	if err := c.BodyParser(&rule); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := ctrl.Service.CreateRule(c.UserContext(), &rule); err != nil {
		return ruleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rule)
}

// UpdateRule godoc
// @Summary Replace a field mapping rule
// @Tags sync
// @Param id path string true "Rule ID"
// @Router /api/sync/field-mappings/{id} [put]
func (ctrl *RuleController) UpdateRule(c *fiber.Ctx) error {
	var rule Rule
	if err := c.BodyParser(&rule); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	if err := ctrl.Service.UpdateRule(c.UserContext(), c.Params("id"), &rule); err != nil {
		return ruleError(c, err)
	}
	return c.JSON(rule)
}

// DeleteRule godoc
// @Summary Delete a field mapping rule
// @Tags sync
// @Param id path string true "Rule ID"
// @Router /api/sync/field-mappings/{id} [delete]
func (ctrl *RuleController) DeleteRule(c *fiber.Ctx) error {
	if err := ctrl.Service.DeleteRule(c.UserContext(), c.Params("id")); err != nil {
		return ruleError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func ruleError(c *fiber.Ctx, err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, ErrRuleNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
