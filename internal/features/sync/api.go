package sync

import (
	"brd-sync/internal/common/api"
	"brd-sync/internal/config"
	"brd-sync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SyncApi struct {
	controller *SyncController
	config     *config.Config
}

func NewSyncApi(controller *SyncController, config *config.Config) api.Route {
	return &SyncApi{
		controller: controller,
		config:     config,
	}
}

// Setup attaches auth per route so the webhook and websocket routes under
// /api/sync stay reachable without a bearer token.
func (h *SyncApi) Setup(app *fiber.App) {
	auth := middleware.AuthMiddleware(h.config.SkipAuth)
	syncGroup := app.Group("/api/sync")

	syncGroup.Post("/import", auth, h.controller.Import)
	syncGroup.Post("/export", auth, h.controller.Export)
	syncGroup.Post("/bulk-import", auth, h.controller.BulkImport)
	syncGroup.Post("/bulk-export", auth, h.controller.BulkExport)

	syncGroup.Get("/mappings", auth, h.controller.ListMappings)
	syncGroup.Get("/mappings/:id", auth, h.controller.GetMapping)
	syncGroup.Patch("/mappings/:id", auth, h.controller.UpdateMapping)
	syncGroup.Post("/mappings/:id/sync", auth, h.controller.SyncMapping)

	syncGroup.Get("/jobs", auth, h.controller.ListJobs)
	syncGroup.Get("/jobs/:id", auth, h.controller.GetJob)
	syncGroup.Get("/jobs/:id/history", auth, h.controller.JobHistory)
	syncGroup.Get("/jobs/:id/report", auth, h.controller.JobReport)
	syncGroup.Post("/jobs/:id/cancel", auth, h.controller.CancelJob)
	syncGroup.Post("/jobs/:id/retry", auth, h.controller.RetryJob)

	syncGroup.Get("/conflicts", auth, h.controller.ListConflicts)
	syncGroup.Post("/conflicts/:id/resolve", auth, h.controller.ResolveConflict)
	syncGroup.Post("/conflicts/:id/ignore", auth, h.controller.IgnoreConflict)

	syncGroup.Get("/schedule", auth, h.controller.Schedule)
}
