package sync

import (
	"errors"
	"time"

	"brd-sync/internal/features/conflict"
	"brd-sync/internal/features/jobqueue"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrMappingExists   = errors.New("record is already mapped on this connection")
	ErrMappingNotFound = errors.New("sync mapping not found")
	ErrMappingDisabled = errors.New("sync is disabled for this mapping")
	ErrInvalidRequest  = errors.New("invalid sync request")
)

// Mapping links one BRD to one Jira issue on one connection. BaseValues
// holds the last value both sides agreed on, keyed by local field name.
type Mapping struct {
	ID                 primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	ConnectionID       string                 `json:"connection_id" bson:"connection_id"`
	LocalID            string                 `json:"local_id" bson:"local_id"`
	RemoteKey          string                 `json:"remote_key" bson:"remote_key"`
	RemoteID           string                 `json:"remote_id" bson:"remote_id"`
	BaseValues         map[string]interface{} `json:"base_values" bson:"base_values"`
	LastSyncedAt       *time.Time             `json:"last_synced_at,omitempty" bson:"last_synced_at,omitempty"`
	LastModifiedLocal  *time.Time             `json:"last_modified_local,omitempty" bson:"last_modified_local,omitempty"`
	LastModifiedRemote *time.Time             `json:"last_modified_remote,omitempty" bson:"last_modified_remote,omitempty"`
	SyncEnabled        bool                   `json:"sync_enabled" bson:"sync_enabled"`
	AutoSync           bool                   `json:"auto_sync" bson:"auto_sync"`
	ConflictCount      int                    `json:"conflict_count" bson:"conflict_count"`
	CreatedAt          time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at" bson:"updated_at"`
}

// MappingFilter selects mappings for listing. Empty fields are ignored.
type MappingFilter struct {
	ConnectionID string
	LocalID      string
	RemoteKey    string
}

// Options is the per-job conflict policy and field overrides a caller can
// attach to any sync request.
type Options struct {
	AutoResolveStrategy conflict.Strategy      `json:"auto_resolve_strategy,omitempty"`
	ConflictStrategy    conflict.Strategy      `json:"conflict_strategy,omitempty"`
	FieldOverrides      map[string]interface{} `json:"field_overrides,omitempty"`
}

func (o Options) metadata() jobqueue.Metadata {
	return jobqueue.Metadata{
		AutoResolveStrategy: string(o.AutoResolveStrategy),
		ConflictStrategy:    string(o.ConflictStrategy),
		FieldOverrides:      o.FieldOverrides,
	}
}

func (o Options) validate() error {
	if o.AutoResolveStrategy != "" && !o.AutoResolveStrategy.Valid() {
		return conflict.ErrInvalidStrategy
	}
	if o.ConflictStrategy != "" && !o.ConflictStrategy.Valid() {
		return conflict.ErrInvalidStrategy
	}
	return nil
}

type ImportRequest struct {
	ConnectionID     string `json:"connection_id"`
	RemoteKey        string `json:"remote_key"`
	TargetProjectKey string `json:"target_project_key"`
	Options
}

type ExportRequest struct {
	ConnectionID     string `json:"connection_id"`
	LocalID          string `json:"local_id"`
	TargetProjectKey string `json:"target_project_key"`
	Options
}

type BulkImportRequest struct {
	ConnectionID     string   `json:"connection_id"`
	RemoteKeys       []string `json:"remote_keys"`
	TargetProjectKey string   `json:"target_project_key"`
	Options
}

type BulkExportRequest struct {
	ConnectionID     string   `json:"connection_id"`
	LocalIDs         []string `json:"local_ids"`
	TargetProjectKey string   `json:"target_project_key"`
	Options
}

type SyncMappingRequest struct {
	Direction jobqueue.Direction `json:"direction"`
	Options
}

// MappingFlags is a partial update of a mapping's switches.
type MappingFlags struct {
	SyncEnabled *bool `json:"sync_enabled"`
	AutoSync    *bool `json:"auto_sync"`
}

type ResolveRequest struct {
	Strategy    conflict.Strategy `json:"strategy"`
	ChosenValue interface{}       `json:"chosen_value"`
}
