package system

import (
	"context"
	"time"

	"brd-sync/internal/database"
	"brd-sync/internal/features/jobqueue"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type DebugController struct {
	mongodb *database.MongodbDB
	queue   *jobqueue.Queue
}

func NewDebugController(mongodb *database.MongodbDB, queue *jobqueue.Queue) *DebugController {
	return &DebugController{mongodb: mongodb, queue: queue}
}

// Health godoc
// @Summary      Liveness and dependency check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /health [get]
func (c *DebugController) Health(ctx *fiber.Ctx) error {
	pingCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	mongoState := "ok"
	if err := c.mongodb.DB.Client().Ping(pingCtx, nil); err != nil {
		status = fiber.StatusServiceUnavailable
		mongoState = err.Error()
	}

	return ctx.Status(status).JSON(fiber.Map{
		"mongo":        mongoState,
		"instance_id":  c.queue.InstanceID(),
		"running_jobs": c.queue.Running(),
	})
}

// GetCurrentUser godoc
// @Summary      Get current user info
// @Description  Get the current user's info from JWT
// @Tags         debug
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/debug/me [get]
func (c *DebugController) GetCurrentUser(ctx *fiber.Ctx) error {
	return ctx.JSON(fiber.Map{
		"user_id": middleware.UserID(ctx),
		"message": "This is your current JWT token data",
	})
}
