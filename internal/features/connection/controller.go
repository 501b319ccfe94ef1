package connection

import (
	"errors"
	"net/url"

	"brd-sync/internal/config"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type ConnectionController struct {
	Service CredentialManager
	Config  *config.Config
}

func NewConnectionController(service CredentialManager, cfg *config.Config) *ConnectionController {
	return &ConnectionController{Service: service, Config: cfg}
}

// Authorize godoc
// @Summary Start the Jira OAuth flow
// @Tags jira
// @Produce json
// @Success 200 {object} map[string]string
// @Router /api/jira/auth [get]
func (ctrl *ConnectionController) Authorize(c *fiber.Ctx) error {
	authURL, err := ctrl.Service.AuthorizationURL(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"url": authURL})
}

// Callback godoc
// @Summary OAuth redirect target
// @Tags jira
// @Param code query string false "Authorization code"
// @Param state query string false "State issued by /api/jira/auth"
// @Param error query string false "Upstream error"
// @Router /api/jira/callback [get]
func (ctrl *ConnectionController) Callback(c *fiber.Ctx) error {
	conn, err := ctrl.Service.HandleCallback(c.UserContext(), c.Query("code"), c.Query("state"), c.Query("error"))
	if err != nil {
		return errorResponse(c, err)
	}

	target := ctrl.Config.Jira.SuccessRedirect
	if target == "" {
		return c.JSON(fiber.Map{"data": conn})
	}
	return c.Redirect(target+"?connection_id="+url.QueryEscape(conn.ID.Hex()), fiber.StatusFound)
}

// ListConnections godoc
// @Summary List the caller's Jira connections
// @Tags jira
// @Produce json
// @Router /api/jira/connections [get]
func (ctrl *ConnectionController) ListConnections(c *fiber.Ctx) error {
	conns, err := ctrl.Service.List(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"data": conns})
}

// Revoke godoc
// @Summary Revoke a Jira connection
// @Tags jira
// @Param id path string true "Connection ID"
// @Router /api/jira/connections/{id}/revoke [post]
func (ctrl *ConnectionController) Revoke(c *fiber.Ctx) error {
	conn, err := ctrl.Service.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if conn.UserID != middleware.UserID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": ErrNotFound.Error()})
	}

	if err := ctrl.Service.Revoke(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"message": "Connection revoked"})
}

func errorResponse(c *fiber.Ctx, err error) error {
	var oerr *OAuthError
	switch {
	case errors.Is(err, ErrDisabled):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNoAccessibleSites):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrConnectionInactive), errors.Is(err, ErrTokenCorrupted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &oerr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":    oerr.Error(),
			"op":       oerr.Op,
			"upstream": oerr.Body,
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
