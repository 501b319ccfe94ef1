package jobqueue

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

type Operation string

const (
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpBulkImport  Operation = "bulk_import"
	OpBulkExport  Operation = "bulk_export"
	OpScheduled   Operation = "scheduled"
	OpWebhookSync Operation = "webhook_sync"
)

type Direction string

const (
	LocalToRemote Direction = "local_to_remote"
	RemoteToLocal Direction = "remote_to_local"
	Bidirectional Direction = "bidirectional"
)

// Metadata carries per-job policy.
type Metadata struct {
	// AutoResolveStrategy, when set, is applied to every detected conflict
	// and overrides a manual ConflictStrategy.
	AutoResolveStrategy string                 `json:"auto_resolve_strategy,omitempty" bson:"auto_resolve_strategy,omitempty"`
	ConflictStrategy    string                 `json:"conflict_strategy,omitempty" bson:"conflict_strategy,omitempty"`
	FieldOverrides      map[string]interface{} `json:"field_overrides,omitempty" bson:"field_overrides,omitempty"`
	TargetProjectKey    string                 `json:"target_project_key,omitempty" bson:"target_project_key,omitempty"`
	WebhookEvent        string                 `json:"webhook_event,omitempty" bson:"webhook_event,omitempty"`
}

type Job struct {
	ID                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConnectionID       string             `json:"connection_id" bson:"connection_id"`
	MappingID          string             `json:"mapping_id,omitempty" bson:"mapping_id,omitempty"`
	Direction          Direction          `json:"direction" bson:"direction"`
	OperationType      Operation          `json:"operation_type" bson:"operation_type"`
	Status             Status             `json:"status" bson:"status"`
	Progress           int                `json:"progress" bson:"progress"`
	TotalItems         int                `json:"total_items" bson:"total_items"`
	ProcessedItems     int                `json:"processed_items" bson:"processed_items"`
	FailedItems        int                `json:"failed_items" bson:"failed_items"`
	LocalIDs           []string           `json:"local_ids,omitempty" bson:"local_ids,omitempty"`
	RemoteKeys         []string           `json:"remote_keys,omitempty" bson:"remote_keys,omitempty"`
	Error              string             `json:"error,omitempty" bson:"error,omitempty"`
	RetryCount         int                `json:"retry_count" bson:"retry_count"`
	MaxRetries         int                `json:"max_retries" bson:"max_retries"`
	NextAttemptAt      *time.Time         `json:"next_attempt_at,omitempty" bson:"next_attempt_at,omitempty"`
	ClaimedBy          string             `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	AwaitingResolution bool               `json:"awaiting_resolution" bson:"awaiting_resolution"`
	Metadata           Metadata           `json:"metadata" bson:"metadata"`
	CreatedBy          string             `json:"created_by" bson:"created_by"`
	CreatedAt          time.Time          `json:"created_at" bson:"created_at"`
	StartedAt          *time.Time         `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at" bson:"updated_at"`
	Version            int64              `json:"-" bson:"version"`
}

// Items is the list of work items, local ids first.
func (j *Job) Items() []string {
	items := make([]string, 0, len(j.LocalIDs)+len(j.RemoteKeys))
	items = append(items, j.LocalIDs...)
	return append(items, j.RemoteKeys...)
}

// HistoryEntry is an append-only record of something that happened to a job.
type HistoryEntry struct {
	ID          primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	JobID       string                 `json:"job_id" bson:"job_id"`
	Seq         int64                  `json:"seq" bson:"seq"`
	Timestamp   time.Time              `json:"timestamp" bson:"timestamp"`
	Action      string                 `json:"action" bson:"action"`
	Details     map[string]interface{} `json:"details,omitempty" bson:"details,omitempty"`
	PerformedBy string                 `json:"performed_by" bson:"performed_by"`
}

// History actions
const (
	ActionCreated            = "created"
	ActionStarted            = "started"
	ActionCompleted          = "completed"
	ActionFailed             = "failed"
	ActionRetryScheduled     = "retry_scheduled"
	ActionCancelled          = "cancelled"
	ActionManualRetry        = "manual_retry"
	ActionAwaitingResolution = "awaiting_resolution"
	ActionRequeued           = "requeued"
	ActionItem               = "item"
)

// ListFilter selects jobs for listing. Zero values are ignored.
type ListFilter struct {
	Status       Status
	ConnectionID string
	MappingID    string
	CreatedBy    string
	Limit        int64
	Offset       int64
}

// Event is published on every status change and progress update.
type Event struct {
	Type           string    `json:"type"` // status, progress
	JobID          string    `json:"job_id"`
	Status         Status    `json:"status"`
	Progress       int       `json:"progress"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	FailedItems    int       `json:"failed_items"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventSink receives queue events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
