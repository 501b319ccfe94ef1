package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	common_models "brd-sync/internal/common/models"
	"brd-sync/internal/config"
	"brd-sync/internal/features/audit"
	"brd-sync/internal/features/brd"
	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/connection"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/features/jobqueue"
	"brd-sync/internal/features/webhook"
	"brd-sync/internal/jira"
	"brd-sync/pkg/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// SyncService is the only entry point other parts of the system use. Every
// operation returns a job immediately; the work runs on the job queue,
// which calls back into Process.
type SyncService interface {
	jobqueue.Handler

	ImportFromRemote(ctx context.Context, req ImportRequest) (*jobqueue.Job, error)
	ExportToRemote(ctx context.Context, req ExportRequest) (*jobqueue.Job, error)
	BulkImport(ctx context.Context, req BulkImportRequest) (*jobqueue.Job, error)
	BulkExport(ctx context.Context, req BulkExportRequest) (*jobqueue.Job, error)
	SyncExistingMapping(ctx context.Context, mappingID string, req SyncMappingRequest) (*jobqueue.Job, error)
	HandleWebhook(ctx context.Context, connID string, event webhook.Event) (*jobqueue.Job, error)
	EnqueueScheduled(ctx context.Context) (int, error)

	ListJobs(ctx context.Context, filter jobqueue.ListFilter) ([]jobqueue.Job, error)
	GetJob(ctx context.Context, id string) (*jobqueue.Job, error)
	JobHistory(ctx context.Context, id string) ([]jobqueue.HistoryEntry, error)
	CancelJob(ctx context.Context, id string) (*jobqueue.Job, error)
	RetryJob(ctx context.Context, id string) (*jobqueue.Job, error)
	JobReport(ctx context.Context, id string) ([]byte, string, error)

	ListConflicts(ctx context.Context, filter conflict.Filter) ([]conflict.Conflict, error)
	ResolveConflict(ctx context.Context, id string, req ResolveRequest) (*conflict.Conflict, error)
	IgnoreConflict(ctx context.Context, id string) (*conflict.Conflict, error)

	GetMapping(ctx context.Context, id string) (*Mapping, error)
	ListMappings(ctx context.Context, filter MappingFilter) ([]Mapping, error)
	UpdateMappingFlags(ctx context.Context, id string, flags MappingFlags) (*Mapping, error)
	EnsureIndexes(ctx context.Context) error
}

// RemoteFactory builds a Jira client for one connection's token.
type RemoteFactory func(tok *connection.Token) jira.Client

func NewRemoteFactory(cfg *config.Config) RemoteFactory {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	return func(tok *connection.Token) jira.Client {
		return jira.New(httpClient, cfg.Jira.APIBaseURL, tok.SiteID, tok.AccessToken)
	}
}

const (
	lockTTL  = 2 * time.Minute
	lockWait = 30 * time.Second
)

type SyncServiceImpl struct {
	Queue        *jobqueue.Queue
	Mappings     MappingRepository
	Conflicts    conflict.ConflictRepository
	Resolver     *conflict.Resolver
	Rules        fieldmap.RuleService
	Engine       *fieldmap.Engine
	Credentials  connection.CredentialManager
	Local        brd.Store
	Remote       RemoteFactory
	Locker       jobqueue.Locker
	AuditService audit.AuditService
	Logger       *zap.Logger

	autoImport bool
	now        func() time.Time
}

func NewSyncService(
	cfg *config.Config,
	queue *jobqueue.Queue,
	mappings MappingRepository,
	conflicts conflict.ConflictRepository,
	resolver *conflict.Resolver,
	rules fieldmap.RuleService,
	engine *fieldmap.Engine,
	credentials connection.CredentialManager,
	local brd.Store,
	remote RemoteFactory,
	locker jobqueue.Locker,
	auditService audit.AuditService,
	logger *zap.Logger,
) SyncService {
	return &SyncServiceImpl{
		Queue:        queue,
		Mappings:     mappings,
		Conflicts:    conflicts,
		Resolver:     resolver,
		Rules:        rules,
		Engine:       engine,
		Credentials:  credentials,
		Local:        local,
		Remote:       remote,
		Locker:       locker,
		AuditService: auditService,
		Logger:       logger.Named("sync"),
		autoImport:   cfg.Sync.WebhookAutoImport,
		now:          time.Now,
	}
}

func (s *SyncServiceImpl) EnsureIndexes(ctx context.Context) error {
	if err := s.Mappings.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("sync_mappings indexes: %w", err)
	}
	if err := s.Conflicts.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("sync_conflicts indexes: %w", err)
	}
	return nil
}

// usableConnection rejects work for connections that cannot sync.
func (s *SyncServiceImpl) usableConnection(ctx context.Context, connID string) error {
	if !s.Credentials.Enabled() {
		return connection.ErrDisabled
	}
	if connID == "" {
		return fmt.Errorf("%w: connection_id is required", ErrInvalidRequest)
	}
	conn, err := s.Credentials.Get(ctx, connID)
	if err != nil {
		return err
	}
	if !conn.IsActive {
		return connection.ErrConnectionInactive
	}
	return nil
}

func (s *SyncServiceImpl) ImportFromRemote(ctx context.Context, req ImportRequest) (*jobqueue.Job, error) {
	key := strings.TrimSpace(req.RemoteKey)
	if key == "" {
		return nil, fmt.Errorf("%w: remote_key is required", ErrInvalidRequest)
	}
	if err := s.prepare(ctx, req.ConnectionID, req.Options); err != nil {
		return nil, err
	}

	job := &jobqueue.Job{
		ConnectionID:  req.ConnectionID,
		Direction:     jobqueue.RemoteToLocal,
		OperationType: jobqueue.OpCreate,
		RemoteKeys:    []string{key},
		Metadata:      req.Options.metadata(),
	}
	job.Metadata.TargetProjectKey = req.TargetProjectKey

	m, err := s.Mappings.FindByRemote(ctx, req.ConnectionID, key)
	switch {
	case err == nil:
		if !m.SyncEnabled {
			return nil, ErrMappingDisabled
		}
		job.OperationType = jobqueue.OpUpdate
		job.MappingID = m.ID.Hex()
	case !errors.Is(err, ErrMappingNotFound):
		return nil, err
	}
	return s.Queue.Enqueue(ctx, job)
}

func (s *SyncServiceImpl) ExportToRemote(ctx context.Context, req ExportRequest) (*jobqueue.Job, error) {
	localID := strings.TrimSpace(req.LocalID)
	if localID == "" {
		return nil, fmt.Errorf("%w: local_id is required", ErrInvalidRequest)
	}
	if err := s.prepare(ctx, req.ConnectionID, req.Options); err != nil {
		return nil, err
	}

	job := &jobqueue.Job{
		ConnectionID:  req.ConnectionID,
		Direction:     jobqueue.LocalToRemote,
		OperationType: jobqueue.OpCreate,
		LocalIDs:      []string{localID},
		Metadata:      req.Options.metadata(),
	}
	job.Metadata.TargetProjectKey = req.TargetProjectKey

	m, err := s.Mappings.FindByLocal(ctx, req.ConnectionID, localID)
	switch {
	case err == nil:
		if !m.SyncEnabled {
			return nil, ErrMappingDisabled
		}
		job.OperationType = jobqueue.OpUpdate
		job.MappingID = m.ID.Hex()
	case errors.Is(err, ErrMappingNotFound):
		if req.TargetProjectKey == "" {
			return nil, fmt.Errorf("%w: target_project_key is required", ErrInvalidRequest)
		}
	default:
		return nil, err
	}
	return s.Queue.Enqueue(ctx, job)
}

func (s *SyncServiceImpl) BulkImport(ctx context.Context, req BulkImportRequest) (*jobqueue.Job, error) {
	keys := dedupe(req.RemoteKeys)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: remote_keys is empty", ErrInvalidRequest)
	}
	if err := s.prepare(ctx, req.ConnectionID, req.Options); err != nil {
		return nil, err
	}

	job := &jobqueue.Job{
		ConnectionID:  req.ConnectionID,
		Direction:     jobqueue.RemoteToLocal,
		OperationType: jobqueue.OpBulkImport,
		RemoteKeys:    keys,
		Metadata:      req.Options.metadata(),
	}
	job.Metadata.TargetProjectKey = req.TargetProjectKey
	return s.Queue.Enqueue(ctx, job)
}

func (s *SyncServiceImpl) BulkExport(ctx context.Context, req BulkExportRequest) (*jobqueue.Job, error) {
	ids := dedupe(req.LocalIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: local_ids is empty", ErrInvalidRequest)
	}
	if err := s.prepare(ctx, req.ConnectionID, req.Options); err != nil {
		return nil, err
	}

	if req.TargetProjectKey == "" {
		for _, id := range ids {
			_, err := s.Mappings.FindByLocal(ctx, req.ConnectionID, id)
			if errors.Is(err, ErrMappingNotFound) {
				return nil, fmt.Errorf("%w: target_project_key is required to create issues", ErrInvalidRequest)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	job := &jobqueue.Job{
		ConnectionID:  req.ConnectionID,
		Direction:     jobqueue.LocalToRemote,
		OperationType: jobqueue.OpBulkExport,
		LocalIDs:      ids,
		Metadata:      req.Options.metadata(),
	}
	job.Metadata.TargetProjectKey = req.TargetProjectKey
	return s.Queue.Enqueue(ctx, job)
}

func (s *SyncServiceImpl) SyncExistingMapping(ctx context.Context, mappingID string, req SyncMappingRequest) (*jobqueue.Job, error) {
	m, err := s.Mappings.FindByID(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	if !m.SyncEnabled {
		return nil, ErrMappingDisabled
	}

	dir := req.Direction
	if dir == "" {
		dir = jobqueue.Bidirectional
	}
	if !fieldmap.Direction(dir).Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, dir)
	}
	if err := s.prepare(ctx, m.ConnectionID, req.Options); err != nil {
		return nil, err
	}

	return s.Queue.Enqueue(ctx, &jobqueue.Job{
		ConnectionID:  m.ConnectionID,
		MappingID:     m.ID.Hex(),
		Direction:     dir,
		OperationType: jobqueue.OpUpdate,
		LocalIDs:      []string{m.LocalID},
		Metadata:      req.Options.metadata(),
	})
}

// HandleWebhook turns a verified notification into a remote-to-local job.
// Issues that are not mapped on the connection produce no job unless
// webhook auto-import is on, and a job already waiting for the same mapping
// absorbs the event.
func (s *SyncServiceImpl) HandleWebhook(ctx context.Context, connID string, event webhook.Event) (*jobqueue.Job, error) {
	m, err := s.Mappings.FindByRemote(ctx, connID, event.RemoteKey)
	if errors.Is(err, ErrMappingNotFound) {
		if !s.autoImport || event.EventType == webhook.EventIssueDeleted {
			return nil, nil
		}
		return s.Queue.Enqueue(ctx, &jobqueue.Job{
			ConnectionID:  connID,
			Direction:     jobqueue.RemoteToLocal,
			OperationType: jobqueue.OpWebhookSync,
			RemoteKeys:    []string{event.RemoteKey},
			CreatedBy:     "webhook",
			Metadata:      jobqueue.Metadata{WebhookEvent: event.EventType},
		})
	}
	if err != nil {
		return nil, err
	}
	if !m.SyncEnabled {
		return nil, nil
	}

	pending, err := s.Queue.List(ctx, jobqueue.ListFilter{MappingID: m.ID.Hex(), Status: jobqueue.StatusPending})
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].OperationType == jobqueue.OpWebhookSync {
			return &pending[i], nil
		}
	}

	return s.Queue.Enqueue(ctx, &jobqueue.Job{
		ConnectionID:  connID,
		MappingID:     m.ID.Hex(),
		Direction:     jobqueue.RemoteToLocal,
		OperationType: jobqueue.OpWebhookSync,
		RemoteKeys:    []string{m.RemoteKey},
		CreatedBy:     "webhook",
		Metadata:      jobqueue.Metadata{WebhookEvent: event.EventType},
	})
}

// EnqueueScheduled creates one bidirectional job per auto-sync mapping that
// has no job in flight. Mappings on unusable connections are skipped.
func (s *SyncServiceImpl) EnqueueScheduled(ctx context.Context) (int, error) {
	mappings, err := s.Mappings.ListAutoSync(ctx)
	if err != nil {
		return 0, err
	}

	usable := make(map[string]bool)
	created := 0
	for _, m := range mappings {
		ok, seen := usable[m.ConnectionID]
		if !seen {
			ok = s.usableConnection(ctx, m.ConnectionID) == nil
			usable[m.ConnectionID] = ok
		}
		if !ok {
			continue
		}

		busy, err := s.hasActiveJob(ctx, m.ID.Hex())
		if err != nil {
			return created, err
		}
		if busy {
			continue
		}

		if _, err := s.Queue.Enqueue(ctx, &jobqueue.Job{
			ConnectionID:  m.ConnectionID,
			MappingID:     m.ID.Hex(),
			Direction:     jobqueue.Bidirectional,
			OperationType: jobqueue.OpScheduled,
			LocalIDs:      []string{m.LocalID},
			CreatedBy:     "scheduler",
		}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (s *SyncServiceImpl) hasActiveJob(ctx context.Context, mappingID string) (bool, error) {
	jobs, err := s.Queue.List(ctx, jobqueue.ListFilter{MappingID: mappingID})
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (s *SyncServiceImpl) prepare(ctx context.Context, connID string, opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	return s.usableConnection(ctx, connID)
}

func (s *SyncServiceImpl) ListJobs(ctx context.Context, filter jobqueue.ListFilter) ([]jobqueue.Job, error) {
	return s.Queue.List(ctx, filter)
}

func (s *SyncServiceImpl) GetJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	return s.Queue.Get(ctx, id)
}

func (s *SyncServiceImpl) JobHistory(ctx context.Context, id string) ([]jobqueue.HistoryEntry, error) {
	if _, err := s.Queue.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Queue.History(ctx, id)
}

func (s *SyncServiceImpl) CancelJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	return s.Queue.Cancel(ctx, id)
}

func (s *SyncServiceImpl) RetryJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	return s.Queue.Retry(ctx, id)
}

func (s *SyncServiceImpl) ListConflicts(ctx context.Context, filter conflict.Filter) ([]conflict.Conflict, error) {
	return s.Conflicts.List(ctx, filter)
}

// ResolveConflict settles a pending conflict. The value is written to both
// sides by the follow-up pass that runs once the job has no pending
// conflicts left. Deletion conflicts only take keep_local / keep_remote and
// stop syncing the mapping.
func (s *SyncServiceImpl) ResolveConflict(ctx context.Context, id string, req ResolveRequest) (*conflict.Conflict, error) {
	if !req.Strategy.Valid() {
		return nil, conflict.ErrInvalidStrategy
	}
	c, err := s.Conflicts.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != conflict.StatusPending {
		return nil, conflict.ErrAlreadySettled
	}

	var value interface{}
	if c.ConflictType == conflict.TypeDeletion {
		switch req.Strategy {
		case conflict.KeepLocal:
			value = c.LocalValue
		case conflict.KeepRemote:
			value = c.RemoteValue
		default:
			return nil, conflict.ErrDeletionNotMergeable
		}
	} else {
		value, err = s.Resolver.Resolve(c.Field, req.Strategy, c.LocalValue, c.RemoteValue, req.ChosenValue)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	resolved, err := s.Conflicts.Resolve(ctx, id, req.Strategy, value, utils.ActorID(ctx), now)
	if err != nil {
		return nil, err
	}

	if resolved.ConflictType == conflict.TypeDeletion {
		disabled := false
		if _, err := s.Mappings.UpdateFlags(ctx, resolved.MappingID, MappingFlags{SyncEnabled: &disabled}); err != nil {
			s.Logger.Error("Failed to disable mapping after deletion", zap.String("mapping_id", resolved.MappingID), zap.Error(err))
		}
		if err := s.Conflicts.MarkApplied(ctx, []primitive.ObjectID{resolved.ID}, now); err != nil {
			s.Logger.Warn("Failed to mark deletion conflict applied", zap.Error(err))
		}
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionConflict, "conflict", id, map[string]common_models.Change{
		"status":         {Old: conflict.StatusPending, New: conflict.StatusResolved},
		"strategy":       {New: req.Strategy},
		"resolved_value": {Old: map[string]interface{}{"local": c.LocalValue, "remote": c.RemoteValue}, New: value},
	})

	s.settleJob(ctx, resolved)
	return resolved, nil
}

// IgnoreConflict closes a conflict without writing anything. The same
// divergence is not raised again while both values stay as they are.
func (s *SyncServiceImpl) IgnoreConflict(ctx context.Context, id string) (*conflict.Conflict, error) {
	ignored, err := s.Conflicts.Ignore(ctx, id, utils.ActorID(ctx), s.now())
	if err != nil {
		return nil, err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionConflict, "conflict", id, map[string]common_models.Change{
		"status": {Old: conflict.StatusPending, New: conflict.StatusIgnored},
	})

	s.settleJob(ctx, ignored)
	return ignored, nil
}

// settleJob runs after a conflict is resolved or ignored.
func (s *SyncServiceImpl) settleJob(ctx context.Context, c *conflict.Conflict) {
	if c.SyncJobID == "" {
		return
	}
	s.finishSettled(ctx, c.SyncJobID)
}

// Parked catches the conflicts that were all settled while the job was
// still running.
func (s *SyncServiceImpl) Parked(ctx context.Context, job *jobqueue.Job) {
	s.finishSettled(ctx, job.ID.Hex())
}

// finishSettled completes a parked job once its last pending conflict is
// gone and queues an update pass for every mapping with resolved values to
// write. A job that is still running is finished by Parked instead.
func (s *SyncServiceImpl) finishSettled(ctx context.Context, jobID string) {
	log := s.Logger.With(zap.String("job_id", jobID))

	pending, err := s.Conflicts.CountPending(ctx, jobID)
	if err != nil {
		log.Error("Failed to count pending conflicts", zap.Error(err))
		return
	}
	if pending > 0 {
		return
	}

	job, err := s.Queue.Get(ctx, jobID)
	if err != nil {
		log.Error("Failed to load job for settled conflicts", zap.Error(err))
		return
	}
	switch {
	case job.Status == jobqueue.StatusInProgress && job.AwaitingResolution:
		done, err := s.Queue.CompleteAwaiting(ctx, jobID)
		if err != nil {
			// the resolve call and the park hook both got here; one wins
			log.Debug("Job already completed after resolution", zap.Error(err))
			return
		}
		job = done
	case job.Status.Active():
		return
	}

	conflicts, err := s.Conflicts.List(ctx, conflict.Filter{JobID: jobID})
	if err != nil {
		log.Error("Failed to list job conflicts", zap.Error(err))
		return
	}
	seen := make(map[string]bool)
	for _, jc := range conflicts {
		if seen[jc.MappingID] {
			continue
		}
		seen[jc.MappingID] = true
		s.enqueueFollowUp(ctx, job, jc.MappingID)
	}
}

func (s *SyncServiceImpl) enqueueFollowUp(ctx context.Context, origin *jobqueue.Job, mappingID string) {
	log := s.Logger.With(zap.String("job_id", origin.ID.Hex()), zap.String("mapping_id", mappingID))

	unapplied, err := s.Conflicts.ResolvedUnapplied(ctx, mappingID)
	if err != nil || len(unapplied) == 0 {
		return
	}
	m, err := s.Mappings.FindByID(ctx, mappingID)
	if err != nil || !m.SyncEnabled {
		return
	}
	if busy, err := s.hasActiveJob(ctx, mappingID); err != nil || busy {
		return
	}

	followUp, err := s.Queue.Enqueue(ctx, &jobqueue.Job{
		ConnectionID:  m.ConnectionID,
		MappingID:     mappingID,
		Direction:     jobqueue.Bidirectional,
		OperationType: jobqueue.OpUpdate,
		LocalIDs:      []string{m.LocalID},
		Metadata:      jobqueue.Metadata{FieldOverrides: origin.Metadata.FieldOverrides},
	})
	if err != nil {
		log.Error("Failed to enqueue follow-up sync", zap.Error(err))
		return
	}
	log.Info("Follow-up sync enqueued for resolved conflicts", zap.String("follow_up_job_id", followUp.ID.Hex()))
}

func (s *SyncServiceImpl) GetMapping(ctx context.Context, id string) (*Mapping, error) {
	return s.Mappings.FindByID(ctx, id)
}

func (s *SyncServiceImpl) ListMappings(ctx context.Context, filter MappingFilter) ([]Mapping, error) {
	return s.Mappings.List(ctx, filter)
}

func (s *SyncServiceImpl) UpdateMappingFlags(ctx context.Context, id string, flags MappingFlags) (*Mapping, error) {
	before, err := s.Mappings.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	after, err := s.Mappings.UpdateFlags(ctx, id, flags)
	if err != nil {
		return nil, err
	}

	_ = s.AuditService.LogChange(ctx, common_models.AuditActionSettings, "sync_mapping", id, map[string]common_models.Change{
		"sync_enabled": {Old: before.SyncEnabled, New: after.SyncEnabled},
		"auto_sync":    {Old: before.AutoSync, New: after.AutoSync},
	})
	return after, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
