package sync

import (
	"errors"
	"fmt"

	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/connection"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/features/jobqueue"

	"github.com/gofiber/fiber/v2"
)

type SyncController struct {
	Service   SyncService
	Scheduler SchedulerService
}

func NewSyncController(service SyncService, scheduler SchedulerService) *SyncController {
	return &SyncController{Service: service, Scheduler: scheduler}
}

// Import godoc
// @Summary Import a Jira issue as a BRD
// @Tags sync
// @Accept json
// @Produce json
// @Success 202 {object} jobqueue.Job
// @Router /api/sync/import [post]
func (ctrl *SyncController) Import(c *fiber.Ctx) error {
	var req ImportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	job, err := ctrl.Service.ImportFromRemote(c.UserContext(), req)
	return accepted(c, job, err)
}

// Export godoc
// @Summary Export a BRD to Jira
// @Tags sync
// @Accept json
// @Produce json
// @Success 202 {object} jobqueue.Job
// @Router /api/sync/export [post]
func (ctrl *SyncController) Export(c *fiber.Ctx) error {
	var req ExportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	job, err := ctrl.Service.ExportToRemote(c.UserContext(), req)
	return accepted(c, job, err)
}

// BulkImport godoc
// @Summary Import several Jira issues in one job
// @Tags sync
// @Router /api/sync/bulk-import [post]
func (ctrl *SyncController) BulkImport(c *fiber.Ctx) error {
	var req BulkImportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	job, err := ctrl.Service.BulkImport(c.UserContext(), req)
	return accepted(c, job, err)
}

// BulkExport godoc
// @Summary Export several BRDs in one job
// @Tags sync
// @Router /api/sync/bulk-export [post]
func (ctrl *SyncController) BulkExport(c *fiber.Ctx) error {
	var req BulkExportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	job, err := ctrl.Service.BulkExport(c.UserContext(), req)
	return accepted(c, job, err)
}

// SyncMapping godoc
// @Summary Re-sync an existing mapping
// @Tags sync
// @Param id path string true "Mapping ID"
// @Router /api/sync/mappings/{id}/sync [post]
func (ctrl *SyncController) SyncMapping(c *fiber.Ctx) error {
	var req SyncMappingRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	job, err := ctrl.Service.SyncExistingMapping(c.UserContext(), c.Params("id"), req)
	return accepted(c, job, err)
}

// ListMappings godoc
// @Summary List sync mappings
// @Tags sync
// @Param connection_id query string false "Connection"
// @Param local_id query string false "BRD id"
// @Param remote_key query string false "Issue key"
// @Router /api/sync/mappings [get]
func (ctrl *SyncController) ListMappings(c *fiber.Ctx) error {
	mappings, err := ctrl.Service.ListMappings(c.UserContext(), MappingFilter{
		ConnectionID: c.Query("connection_id"),
		LocalID:      c.Query("local_id"),
		RemoteKey:    c.Query("remote_key"),
	})
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(fiber.Map{"data": mappings})
}

// GetMapping godoc
// @Summary Get a sync mapping
// @Tags sync
// @Param id path string true "Mapping ID"
// @Router /api/sync/mappings/{id} [get]
func (ctrl *SyncController) GetMapping(c *fiber.Ctx) error {
	m, err := ctrl.Service.GetMapping(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(m)
}

// UpdateMapping godoc
// @Summary Toggle sync_enabled / auto_sync on a mapping
// @Tags sync
// @Param id path string true "Mapping ID"
// @Router /api/sync/mappings/{id} [patch]
func (ctrl *SyncController) UpdateMapping(c *fiber.Ctx) error {
	var flags MappingFlags
	if err := c.BodyParser(&flags); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if flags.SyncEnabled == nil && flags.AutoSync == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Nothing to update"})
	}
	m, err := ctrl.Service.UpdateMappingFlags(c.UserContext(), c.Params("id"), flags)
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(m)
}

// ListJobs godoc
// @Summary List sync jobs
// @Tags sync
// @Param status query string false "Status"
// @Param connection_id query string false "Connection"
// @Param mapping_id query string false "Mapping"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Router /api/sync/jobs [get]
func (ctrl *SyncController) ListJobs(c *fiber.Ctx) error {
	jobs, err := ctrl.Service.ListJobs(c.UserContext(), jobqueue.ListFilter{
		Status:       jobqueue.Status(c.Query("status")),
		ConnectionID: c.Query("connection_id"),
		MappingID:    c.Query("mapping_id"),
		Limit:        int64(c.QueryInt("limit", 50)),
		Offset:       int64(c.QueryInt("offset", 0)),
	})
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(fiber.Map{"data": jobs})
}

// GetJob godoc
// @Summary Get a sync job
// @Tags sync
// @Param id path string true "Job ID"
// @Router /api/sync/jobs/{id} [get]
func (ctrl *SyncController) GetJob(c *fiber.Ctx) error {
	job, err := ctrl.Service.GetJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(job)
}

// JobHistory godoc
// @Summary History entries of a sync job
// @Tags sync
// @Param id path string true "Job ID"
// @Router /api/sync/jobs/{id}/history [get]
func (ctrl *SyncController) JobHistory(c *fiber.Ctx) error {
	history, err := ctrl.Service.JobHistory(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(fiber.Map{"data": history})
}

// JobReport godoc
// @Summary Download a job report as xlsx
// @Tags sync
// @Param id path string true "Job ID"
// @Router /api/sync/jobs/{id}/report [get]
func (ctrl *SyncController) JobReport(c *fiber.Ctx) error {
	data, filename, err := ctrl.Service.JobReport(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	return c.Send(data)
}

// CancelJob godoc
// @Summary Cancel a sync job
// @Tags sync
// @Param id path string true "Job ID"
// @Router /api/sync/jobs/{id}/cancel [post]
func (ctrl *SyncController) CancelJob(c *fiber.Ctx) error {
	job, err := ctrl.Service.CancelJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(job)
}

// RetryJob godoc
// @Summary Retry a failed sync job
// @Tags sync
// @Param id path string true "Job ID"
// @Router /api/sync/jobs/{id}/retry [post]
func (ctrl *SyncController) RetryJob(c *fiber.Ctx) error {
	job, err := ctrl.Service.RetryJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(job)
}

// ListConflicts godoc
// @Summary List conflicts for a BRD
// @Tags sync
// @Param localId query string false "BRD id"
// @Param status query string false "pending, resolved or ignored"
// @Router /api/sync/conflicts [get]
func (ctrl *SyncController) ListConflicts(c *fiber.Ctx) error {
	conflicts, err := ctrl.Service.ListConflicts(c.UserContext(), conflict.Filter{
		LocalID:   c.Query("localId"),
		MappingID: c.Query("mappingId"),
		JobID:     c.Query("jobId"),
		Status:    conflict.Status(c.Query("status")),
	})
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(fiber.Map{"data": conflicts})
}

// ResolveConflict godoc
// @Summary Resolve a pending conflict
// @Tags sync
// @Param id path string true "Conflict ID"
// @Router /api/sync/conflicts/{id}/resolve [post]
func (ctrl *SyncController) ResolveConflict(c *fiber.Ctx) error {
	var req ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	resolved, err := ctrl.Service.ResolveConflict(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(resolved)
}

// IgnoreConflict godoc
// @Summary Ignore a pending conflict
// @Tags sync
// @Param id path string true "Conflict ID"
// @Router /api/sync/conflicts/{id}/ignore [post]
func (ctrl *SyncController) IgnoreConflict(c *fiber.Ctx) error {
	ignored, err := ctrl.Service.IgnoreConflict(c.UserContext(), c.Params("id"))
	if err != nil {
		return syncError(c, err)
	}
	return c.JSON(ignored)
}

// Schedule godoc
// @Summary Next run of the scheduled sync jobs
// @Tags sync
// @Router /api/sync/schedule [get]
func (ctrl *SyncController) Schedule(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": ctrl.Scheduler.Entries()})
}

func accepted(c *fiber.Ctx, job *jobqueue.Job, err error) error {
	if err != nil {
		return syncError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID.Hex(), "data": job})
}

func syncError(c *fiber.Ctx, err error) error {
	var verr *fieldmap.ValidationError
	switch {
	case errors.Is(err, connection.ErrDisabled):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, conflict.ErrInvalidStrategy),
		errors.Is(err, conflict.ErrChosenValueRequired),
		errors.Is(err, conflict.ErrDeletionNotMergeable):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrMappingNotFound),
		errors.Is(err, jobqueue.ErrJobNotFound),
		errors.Is(err, conflict.ErrNotFound),
		errors.Is(err, connection.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrMappingExists),
		errors.Is(err, ErrMappingDisabled),
		errors.Is(err, jobqueue.ErrNotRetryable),
		errors.Is(err, jobqueue.ErrNotCancellable),
		errors.Is(err, jobqueue.ErrInvalidTransition),
		errors.Is(err, conflict.ErrAlreadySettled),
		errors.Is(err, connection.ErrConnectionInactive):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
