package conflict

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Type string

const (
	TypeFieldChange            Type = "field_change"
	TypeStatusMismatch         Type = "status_mismatch"
	TypeDeletion               Type = "deletion"
	TypeConcurrentModification Type = "concurrent_modification"
)

type Strategy string

const (
	KeepLocal  Strategy = "keep_local"
	KeepRemote Strategy = "keep_remote"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

func (s Strategy) Valid() bool {
	switch s {
	case KeepLocal, KeepRemote, Merge, Manual:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

// RecordField is the field name used for whole-record (deletion) conflicts.
const RecordField = "_record"

var (
	ErrNotFound             = errors.New("conflict not found")
	ErrAlreadySettled       = errors.New("conflict is already resolved or ignored")
	ErrInvalidStrategy      = errors.New("unknown resolution strategy")
	ErrChosenValueRequired  = errors.New("manual resolution requires a chosen value")
	ErrDeletionNotMergeable = errors.New("deletion conflicts can only be kept or ignored")
)

// Conflict is one detected divergence on one field of one mapping. Once
// resolved or ignored it is never rewritten; AppliedAt is the only field
// set afterwards, when the resolved value has been written to both sides.
type Conflict struct {
	ID                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SyncJobID          string             `json:"sync_job_id" bson:"sync_job_id"`
	MappingID          string             `json:"mapping_id" bson:"mapping_id"`
	LocalID            string             `json:"local_id" bson:"local_id"`
	RemoteKey          string             `json:"remote_key" bson:"remote_key"`
	ConflictType       Type               `json:"conflict_type" bson:"conflict_type"`
	Field              string             `json:"field" bson:"field"`
	BaseValue          interface{}        `json:"base_value" bson:"base_value"`
	LocalValue         interface{}        `json:"local_value" bson:"local_value"`
	RemoteValue        interface{}        `json:"remote_value" bson:"remote_value"`
	ResolutionStrategy Strategy           `json:"resolution_strategy,omitempty" bson:"resolution_strategy,omitempty"`
	ResolvedValue      interface{}        `json:"resolved_value,omitempty" bson:"resolved_value,omitempty"`
	ResolvedBy         string             `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	AppliedAt          *time.Time         `json:"applied_at,omitempty" bson:"applied_at,omitempty"`
	Status             Status             `json:"status" bson:"status"`
	CreatedAt          time.Time          `json:"created_at" bson:"created_at"`
}

// Filter selects conflicts for listing. Empty fields are ignored.
type Filter struct {
	LocalID   string
	MappingID string
	JobID     string
	Status    Status
}
