package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"brd-sync/internal/config"
	"brd-sync/pkg/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Handler executes one claimed job. Returning ErrAwaitingResolution parks
// the job in_progress without holding a worker.
type Handler interface {
	Process(ctx context.Context, job *Job, progress ProgressFunc) error
}

// ParkObserver is implemented by handlers that want to hear about a job
// once it is recorded as parked. Conflicts can be settled before that point.
type ParkObserver interface {
	Parked(ctx context.Context, job *Job)
}

// ProgressFunc reports how many items have been processed and failed so far.
type ProgressFunc func(processed, failed int)

// Queue runs jobs from a Backend on a bounded set of workers. Dispatch is
// pull based: a free slot immediately claims the next eligible job, and
// an idle queue sleeps until Wake or the next due retry.
type Queue struct {
	backend     Backend
	backoff     Backoff
	concurrency int
	maxRetries  int
	instanceID  string
	sink        EventSink
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	claimed map[primitive.ObjectID]context.CancelFunc
	handler Handler
	ctx     context.Context
	stop    context.CancelFunc
	done    chan struct{}
	workers sync.WaitGroup

	wake chan struct{}
	seq  atomic.Int64
}

func NewQueue(cfg *config.Config, backend Backend, sink EventSink, logger *zap.Logger) *Queue {
	backoff := Backoff(cfg.Sync.Backoff)
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}
	concurrency := cfg.Sync.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	if sink == nil {
		sink = nopSink{}
	}

	q := &Queue{
		backend:     backend,
		backoff:     backoff,
		concurrency: concurrency,
		maxRetries:  cfg.Sync.MaxRetries,
		instanceID:  uuid.NewString(),
		sink:        sink,
		logger:      logger.Named("jobqueue"),
		now:         time.Now,
		claimed:     make(map[primitive.ObjectID]context.CancelFunc),
		wake:        make(chan struct{}, 1),
	}
	q.seq.Store(time.Now().UnixNano())
	return q
}

// InstanceID identifies this processor; it is stored as claimed_by.
func (q *Queue) InstanceID() string {
	return q.instanceID
}

// Start requeues jobs interrupted by a previous shutdown and begins
// dispatching to handler.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return errors.New("job queue already started")
	}
	q.handler = handler
	q.ctx, q.stop = context.WithCancel(context.Background())
	q.done = make(chan struct{})
	q.mu.Unlock()

	if err := q.recover(ctx); err != nil {
		q.logger.Error("Failed to requeue interrupted jobs", zap.Error(err))
	}

	go q.loop()
	q.logger.Info("Job queue started",
		zap.Int("concurrency", q.concurrency),
		zap.String("instance_id", q.instanceID))
	return nil
}

// Stop cancels running jobs and waits for the workers to return.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	stop, done := q.stop, q.done
	for _, cancel := range q.claimed {
		cancel()
	}
	q.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()

	finished := make(chan struct{})
	go func() {
		<-done
		q.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake makes an idle dispatcher look for work.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue stores a new pending job and wakes the dispatcher.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (*Job, error) {
	now := q.now()
	job.ID = primitive.NewObjectID()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.MaxRetries <= 0 {
		job.MaxRetries = q.maxRetries
	}
	if job.TotalItems <= 0 {
		job.TotalItems = len(job.LocalIDs) + len(job.RemoteKeys)
		if job.TotalItems == 0 {
			job.TotalItems = 1
		}
	}
	if job.CreatedBy == "" {
		job.CreatedBy = utils.ActorID(ctx)
	}

	if err := q.backend.Insert(ctx, job); err != nil {
		return nil, err
	}
	q.appendHistory(ctx, job.ID.Hex(), ActionCreated, job.CreatedBy, map[string]interface{}{
		"operation_type": job.OperationType,
		"direction":      job.Direction,
		"total_items":    job.TotalItems,
	})
	q.publishStatus(job)
	q.Wake()
	return job, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.backend.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	return q.backend.List(ctx, filter)
}

func (q *Queue) History(ctx context.Context, jobID string) ([]HistoryEntry, error) {
	return q.backend.History(ctx, jobID)
}

// AppendHistory lets handlers record per-item outcomes on a job.
func (q *Queue) AppendHistory(ctx context.Context, jobID, action string, details map[string]interface{}) {
	q.appendHistory(ctx, jobID, action, utils.ActorID(ctx), details)
}

// Cancel stops a pending, running or retrying job. Writes already made by
// a running job are not rolled back.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	now := q.now()
	job, err := q.backend.Update(ctx, id, func(j *Job) error {
		if !j.Status.Active() {
			return ErrNotCancellable
		}
		if err := transition(j, StatusCancelled); err != nil {
			return err
		}
		j.CompletedAt = &now
		j.ClaimedBy = ""
		j.AwaitingResolution = false
		j.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if cancel, ok := q.claimed[job.ID]; ok {
		cancel()
		delete(q.claimed, job.ID)
	}
	q.mu.Unlock()

	q.appendHistory(ctx, id, ActionCancelled, utils.ActorID(ctx), nil)
	q.publishStatus(job)
	q.Wake()
	return job, nil
}

// Retry re-queues a failed job. Below max_retries it becomes retrying and
// due immediately with retry_count+1. An exhausted job starts over as
// pending with retry_count reset to 0.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	now := q.now()
	var reset bool
	job, err := q.backend.Update(ctx, id, func(j *Job) error {
		if j.Status != StatusFailed {
			return ErrNotRetryable
		}
		reset = j.RetryCount >= j.MaxRetries
		if reset {
			j.Status = StatusPending
			j.RetryCount = 0
		} else {
			j.Status = StatusRetrying
			j.RetryCount++
			j.NextAttemptAt = &now
		}
		j.Error = ""
		j.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.appendHistory(ctx, id, ActionManualRetry, utils.ActorID(ctx), map[string]interface{}{
		"retry_count": job.RetryCount,
		"reset":       reset,
	})
	q.publishStatus(job)
	q.Wake()
	return job, nil
}

// CompleteAwaiting finishes a job that was parked for manual resolution.
func (q *Queue) CompleteAwaiting(ctx context.Context, id string) (*Job, error) {
	now := q.now()
	job, err := q.backend.Update(ctx, id, func(j *Job) error {
		if j.Status != StatusInProgress || !j.AwaitingResolution {
			return transitionError(j.Status, StatusCompleted)
		}
		j.Status = StatusCompleted
		j.AwaitingResolution = false
		j.Progress = 100
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.appendHistory(ctx, id, ActionCompleted, utils.ActorID(ctx), map[string]interface{}{
		"after_resolution": true,
	})
	q.publishStatus(job)
	return job, nil
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.dispatch()

		// with every slot busy only a finishing worker (Wake) frees one
		var timer *time.Timer
		var timerC <-chan time.Time
		if q.hasCapacity() {
			due, err := q.backend.NextRetryAt(q.ctx)
			if err != nil {
				q.logger.Error("Failed to look up next retry", zap.Error(err))
			} else if due != nil {
				timer = time.NewTimer(time.Until(*due))
				timerC = timer.C
			}
		}

		select {
		case <-q.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *Queue) hasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.claimed) < q.concurrency
}

// dispatch claims jobs until all worker slots are busy or nothing is due.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if len(q.claimed) >= q.concurrency || q.ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		exclude := make([]primitive.ObjectID, 0, len(q.claimed))
		for id := range q.claimed {
			exclude = append(exclude, id)
		}
		q.mu.Unlock()

		job, err := q.backend.ClaimNext(q.ctx, q.now(), exclude, q.instanceID)
		if err != nil {
			q.logger.Error("Failed to claim job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		jobCtx, cancel := context.WithCancel(q.ctx)
		q.mu.Lock()
		q.claimed[job.ID] = cancel
		q.mu.Unlock()

		q.workers.Add(1)
		go q.run(jobCtx, cancel, job)
	}
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, job *Job) {
	defer q.workers.Done()
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.claimed, job.ID)
		q.mu.Unlock()
		q.Wake()
	}()

	id := job.ID.Hex()
	log := q.logger.With(zap.String("job_id", id), zap.String("operation", string(job.OperationType)))

	q.appendHistory(ctx, id, ActionStarted, "system", map[string]interface{}{
		"attempt":     job.RetryCount + 1,
		"instance_id": q.instanceID,
	})
	q.publishStatus(job)
	log.Info("Sync job started", zap.Int("retry_count", job.RetryCount))

	err := q.process(ctx, job)

	switch {
	case err == nil:
		q.complete(job, log)
	case errors.Is(err, ErrAwaitingResolution):
		q.park(job, log)
	case ctx.Err() != nil && q.isCancelled(id):
		log.Info("Sync job cancelled while running")
	case q.ctx.Err() != nil:
		// shutdown: left in_progress, requeued by the next Start
		log.Info("Sync job interrupted by shutdown")
	default:
		q.fail(job, err, log)
	}
}

// process runs the handler and turns a panic into a permanent failure.
func (q *Queue) process(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Sync handler panicked", zap.String("job_id", job.ID.Hex()), zap.Any("panic", r))
			err = Permanent(errors.New("sync handler panicked"))
		}
	}()
	return q.handler.Process(ctx, job, q.reporter(job))
}

func (q *Queue) complete(job *Job, log *zap.Logger) {
	now := q.now()
	updated, err := q.backend.Update(context.Background(), job.ID.Hex(), func(j *Job) error {
		if err := transition(j, StatusCompleted); err != nil {
			return err
		}
		j.Progress = 100
		j.CompletedAt = &now
		j.ClaimedBy = ""
		j.Error = ""
		return nil
	})
	if err != nil {
		log.Warn("Could not mark job completed", zap.Error(err))
		return
	}
	q.appendHistory(context.Background(), job.ID.Hex(), ActionCompleted, "system", map[string]interface{}{
		"processed_items": updated.ProcessedItems,
		"failed_items":    updated.FailedItems,
	})
	q.publishStatus(updated)
	log.Info("Sync job completed",
		zap.Int("processed", updated.ProcessedItems),
		zap.Int("failed", updated.FailedItems))
}

func (q *Queue) park(job *Job, log *zap.Logger) {
	updated, err := q.backend.Update(context.Background(), job.ID.Hex(), func(j *Job) error {
		if j.Status != StatusInProgress {
			return transitionError(j.Status, StatusInProgress)
		}
		j.AwaitingResolution = true
		j.ClaimedBy = ""
		return nil
	})
	if err != nil {
		log.Warn("Could not park job", zap.Error(err))
		return
	}
	q.appendHistory(context.Background(), job.ID.Hex(), ActionAwaitingResolution, "system", nil)
	q.publishStatus(updated)
	log.Info("Sync job waiting for conflict resolution")

	if obs, ok := q.handler.(ParkObserver); ok {
		obs.Parked(context.Background(), updated)
	}
}

// fail records the failure and schedules the next retry when allowed.
func (q *Queue) fail(job *Job, cause error, log *zap.Logger) {
	ctx := context.Background()
	id := job.ID.Hex()
	now := q.now()

	failed, err := q.backend.Update(ctx, id, func(j *Job) error {
		if err := transition(j, StatusFailed); err != nil {
			return err
		}
		j.Error = cause.Error()
		j.ClaimedBy = ""
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		log.Warn("Could not mark job failed", zap.Error(err))
		return
	}
	q.appendHistory(ctx, id, ActionFailed, "system", map[string]interface{}{
		"error":       cause.Error(),
		"retry_count": failed.RetryCount,
		"permanent":   IsPermanent(cause),
	})
	q.publishStatus(failed)

	if IsPermanent(cause) || failed.RetryCount >= failed.MaxRetries {
		log.Error("Sync job failed", zap.Error(cause), zap.Int("retry_count", failed.RetryCount))
		return
	}

	var delay time.Duration
	retrying, err := q.backend.Update(ctx, id, func(j *Job) error {
		if err := transition(j, StatusRetrying); err != nil {
			return err
		}
		j.RetryCount++
		delay = q.backoff.Delay(j.RetryCount)
		next := q.now().Add(delay)
		j.NextAttemptAt = &next
		j.CompletedAt = nil
		return nil
	})
	if err != nil {
		log.Warn("Could not schedule retry", zap.Error(err))
		return
	}
	q.appendHistory(ctx, id, ActionRetryScheduled, "system", map[string]interface{}{
		"retry_count": retrying.RetryCount,
		"delay_ms":    delay.Milliseconds(),
	})
	q.publishStatus(retrying)
	log.Warn("Sync job failed, retry scheduled",
		zap.Error(cause),
		zap.Int("retry_count", retrying.RetryCount),
		zap.Duration("delay", delay))
}

// reporter keeps counters monotonic and within total_items.
func (q *Queue) reporter(job *Job) ProgressFunc {
	id := job.ID.Hex()
	return func(processed, failed int) {
		updated, err := q.backend.Update(context.Background(), id, func(j *Job) error {
			if j.Status != StatusInProgress {
				return transitionError(j.Status, StatusInProgress)
			}
			if processed > j.ProcessedItems {
				j.ProcessedItems = processed
			}
			if failed > j.FailedItems {
				j.FailedItems = failed
			}
			if j.FailedItems > j.TotalItems {
				j.FailedItems = j.TotalItems
			}
			if j.ProcessedItems+j.FailedItems > j.TotalItems {
				j.ProcessedItems = j.TotalItems - j.FailedItems
			}

			pct := 0
			if j.TotalItems > 0 {
				pct = (j.ProcessedItems + j.FailedItems) * 100 / j.TotalItems
			}
			if pct > 100 {
				pct = 100
			}
			if pct > j.Progress {
				j.Progress = pct
			}
			return nil
		})
		if err != nil {
			return
		}
		q.sink.Publish(Event{
			Type:           "progress",
			JobID:          id,
			Status:         updated.Status,
			Progress:       updated.Progress,
			TotalItems:     updated.TotalItems,
			ProcessedItems: updated.ProcessedItems,
			FailedItems:    updated.FailedItems,
			Timestamp:      q.now(),
		})
	}
}

// recover puts jobs left in_progress by a previous process back to pending.
// Parked jobs stay parked.
func (q *Queue) recover(ctx context.Context) error {
	jobs, err := q.backend.List(ctx, ListFilter{Status: StatusInProgress})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.AwaitingResolution {
			continue
		}
		_, err := q.backend.Update(ctx, j.ID.Hex(), func(cur *Job) error {
			if cur.Status != StatusInProgress || cur.AwaitingResolution {
				return transitionError(cur.Status, StatusPending)
			}
			cur.Status = StatusPending
			cur.ClaimedBy = ""
			return nil
		})
		if err != nil {
			continue
		}
		q.appendHistory(ctx, j.ID.Hex(), ActionRequeued, "system", map[string]interface{}{
			"previous_claimant": j.ClaimedBy,
		})
	}
	return nil
}

func (q *Queue) isCancelled(id string) bool {
	job, err := q.backend.Get(context.Background(), id)
	return err == nil && job.Status == StatusCancelled
}

// Running reports the ids of jobs currently held by a worker.
func (q *Queue) Running() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.claimed))
	for id := range q.claimed {
		ids = append(ids, id.Hex())
	}
	return ids
}

func (q *Queue) appendHistory(ctx context.Context, jobID, action, actor string, details map[string]interface{}) {
	entry := &HistoryEntry{
		JobID:       jobID,
		Seq:         q.seq.Add(1),
		Timestamp:   q.now(),
		Action:      action,
		Details:     details,
		PerformedBy: actor,
	}
	if err := q.backend.AppendHistory(context.WithoutCancel(ctx), entry); err != nil {
		q.logger.Error("Failed to append job history",
			zap.String("job_id", jobID), zap.String("action", action), zap.Error(err))
	}
}

func (q *Queue) publishStatus(job *Job) {
	q.sink.Publish(Event{
		Type:           "status",
		JobID:          job.ID.Hex(),
		Status:         job.Status,
		Progress:       job.Progress,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
		Error:          job.Error,
		Timestamp:      q.now(),
	})
}
