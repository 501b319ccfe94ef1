package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ContextKey string

const (
	ActorIDKey ContextKey = "actor_id"
)

type AuditAction string

const (
	AuditActionConnect    AuditAction = "CONNECT"
	AuditActionRevoke     AuditAction = "REVOKE"
	AuditActionDeactivate AuditAction = "DEACTIVATE"
	AuditActionSync       AuditAction = "SYNC"
	AuditActionSettings   AuditAction = "SETTINGS"
	AuditActionWebhook    AuditAction = "WEBHOOK"
	AuditActionSecurity   AuditAction = "SECURITY"
	AuditActionConflict   AuditAction = "CONFLICT"
)

type Change struct {
	Old interface{} `bson:"old" json:"old"`
	New interface{} `bson:"new" json:"new"`
}

type AuditLog struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Action    AuditAction        `bson:"action" json:"action"`
	Module    string             `bson:"module" json:"module"`                       // feature that produced the entry
	RecordID  string             `bson:"record_id" json:"record_id"`                 // connection / rule / conflict id
	ActorID   string             `bson:"actor_id" json:"actor_id"`                   // user id or "system"
	Changes   map[string]Change  `bson:"changes,omitempty" json:"changes,omitempty"` // field -> {old, new}
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
}

// Log is one application log line persisted by the logger DB core
type Log struct {
	Message      string    `bson:"message" json:"message"`
	Caller       string    `bson:"caller,omitempty" json:"caller,omitempty"`
	JobID        string    `bson:"job_id,omitempty" json:"job_id,omitempty"`
	ConnectionID string    `bson:"connection_id,omitempty" json:"connection_id,omitempty"`
	Event        string    `bson:"event,omitempty" json:"event,omitempty"`
	AppId        string    `bson:"app_id" json:"app_id"`
	LogLevelId   int       `bson:"log_level_id" json:"log_level_id"`
	CreatedOnUtc time.Time `bson:"created_on_utc" json:"created_on_utc"`
}
