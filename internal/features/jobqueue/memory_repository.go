package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryBackend keeps jobs in process memory. It backs tests and
// single-node setups started with QUEUE_BACKEND=memory.
type MemoryBackend struct {
	mu      sync.Mutex
	jobs    map[primitive.ObjectID]*Job
	history map[string][]HistoryEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:    make(map[primitive.ObjectID]*Job),
		history: make(map[string][]HistoryEntry),
	}
}

func (m *MemoryBackend) EnsureIndexes(ctx context.Context) error { return nil }

func (m *MemoryBackend) Insert(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	out := *job
	return &out, nil
}

func (m *MemoryBackend) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := []Job{}
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.ConnectionID != "" && j.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.MappingID != "" && j.MappingID != filter.MappingID {
			continue
		}
		if filter.CreatedBy != "" && j.CreatedBy != filter.CreatedBy {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})

	if filter.Limit > 0 {
		start := int(filter.Offset)
		if start > len(jobs) {
			start = len(jobs)
		}
		end := start + int(filter.Limit)
		if end > len(jobs) {
			end = len(jobs)
		}
		jobs = jobs[start:end]
	}
	return jobs, nil
}

func (m *MemoryBackend) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	next := *job
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = time.Now()
	m.jobs[next.ID] = &next

	out := next
	return &out, nil
}

func (m *MemoryBackend) ClaimNext(ctx context.Context, now time.Time, exclude []primitive.ObjectID, claimant string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[primitive.ObjectID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var retry, pending *Job
	for _, j := range m.jobs {
		if excluded[j.ID] {
			continue
		}
		switch {
		case j.Status == StatusRetrying && j.NextAttemptAt != nil && !j.NextAttemptAt.After(now):
			if retry == nil || older(j, retry) {
				retry = j
			}
		case j.Status == StatusPending:
			if pending == nil || older(j, pending) {
				pending = j
			}
		}
	}

	next := retry
	if next == nil {
		next = pending
	}
	if next == nil {
		return nil, nil
	}

	next.Status = StatusInProgress
	next.ClaimedBy = claimant
	next.AwaitingResolution = false
	next.NextAttemptAt = nil
	if next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}
	next.Version++
	next.UpdatedAt = now

	out := *next
	return &out, nil
}

func (m *MemoryBackend) NextRetryAt(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest *time.Time
	for _, j := range m.jobs {
		if j.Status != StatusRetrying || j.NextAttemptAt == nil {
			continue
		}
		if earliest == nil || j.NextAttemptAt.Before(*earliest) {
			t := *j.NextAttemptAt
			earliest = &t
		}
	}
	return earliest, nil
}

func (m *MemoryBackend) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = primitive.NewObjectID()
	m.history[entry.JobID] = append(m.history[entry.JobID], *entry)
	return nil
}

func (m *MemoryBackend) History(ctx context.Context, jobID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]HistoryEntry{}, m.history[jobID]...)
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Seq < entries[b].Seq
	})
	return entries, nil
}

func (m *MemoryBackend) lookup(id string) (*Job, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrJobNotFound
	}
	job, ok := m.jobs[oid]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func older(a, b *Job) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.Hex() < b.ID.Hex()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
