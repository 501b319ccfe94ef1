package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brd-sync/internal/config"
	"brd-sync/internal/features/connection"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type SchedulerService interface {
	InitializeScheduler(ctx context.Context) error
	StopScheduler() error
	Entries() map[string]time.Time
}

// SchedulerServiceImpl runs the periodic auto-sync pass and the idle
// connection sweep.
type SchedulerServiceImpl struct {
	syncService SyncService
	credentials connection.CredentialManager
	config      *config.Config
	logger      *zap.Logger

	scheduler  *cron.Cron
	jobEntries map[string]cron.EntryID
	mu         sync.RWMutex
}

func NewSchedulerService(syncService SyncService, credentials connection.CredentialManager, cfg *config.Config, logger *zap.Logger) SchedulerService {
	return &SchedulerServiceImpl{
		syncService: syncService,
		credentials: credentials,
		config:      cfg,
		logger:      logger.Named("scheduler"),
		jobEntries:  make(map[string]cron.EntryID),
	}
}

func (s *SchedulerServiceImpl) InitializeScheduler(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler = cron.New()

	if err := s.register("auto_sync", s.config.Sync.Schedule, s.runAutoSync); err != nil {
		return err
	}
	if err := s.register("connection_sweep", s.config.Sync.ConnectionSweepSchedule, s.runConnectionSweep); err != nil {
		return err
	}

	s.scheduler.Start()
	s.logger.Info("Scheduler started",
		zap.String("auto_sync", s.config.Sync.Schedule),
		zap.String("connection_sweep", s.config.Sync.ConnectionSweepSchedule))
	return nil
}

// register adds a job; an empty schedule disables it.
func (s *SchedulerServiceImpl) register(name, schedule string, fn func()) error {
	if schedule == "" {
		s.logger.Info("Scheduled job disabled", zap.String("job", name))
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	entryID, err := s.scheduler.AddFunc(schedule, fn)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobEntries[name] = entryID
	return nil
}

func (s *SchedulerServiceImpl) StopScheduler() error {
	s.mu.RLock()
	scheduler := s.scheduler
	s.mu.RUnlock()

	if scheduler != nil {
		ctx := scheduler.Stop()
		<-ctx.Done()
	}
	return nil
}

// Entries returns the next run time of every registered job.
func (s *SchedulerServiceImpl) Entries() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.jobEntries))
	if s.scheduler == nil {
		return out
	}
	for name, id := range s.jobEntries {
		out[name] = s.scheduler.Entry(id).Next
	}
	return out
}

func (s *SchedulerServiceImpl) runAutoSync() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	created, err := s.syncService.EnqueueScheduled(ctx)
	if err != nil {
		s.logger.Error("Scheduled sync failed", zap.Int("enqueued", created), zap.Error(err))
		return
	}
	s.logger.Info("Scheduled sync enqueued", zap.Int("jobs", created))
}

func (s *SchedulerServiceImpl) runConnectionSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.credentials.DeactivateIdle(ctx, s.config.Sync.ConnectionMaxIdle); err != nil {
		s.logger.Error("Idle connection sweep failed", zap.Error(err))
	}
}
