package fieldmap

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Direction string

const (
	LocalToRemote Direction = "local_to_remote"
	RemoteToLocal Direction = "remote_to_local"
	Bidirectional Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	return d == LocalToRemote || d == RemoteToLocal || d == Bidirectional
}

// Built-in transform identifiers
const (
	TransformIdentity    = "identity"
	TransformEnumRemap   = "enum_remap"
	TransformDateFormat  = "date_format"
	TransformPluckNested = "pluck_nested"
	TransformScript      = "script"
)

// Rule translates one field between the local and remote schema. For a
// one-way rule SourceField is read on the side the rule starts from. For a
// bidirectional rule SourceField is always the local field.
type Rule struct {
	ID              primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	SourceField     string                 `json:"source_field" bson:"source_field"`
	TargetField     string                 `json:"target_field" bson:"target_field"`
	Direction       Direction              `json:"direction" bson:"direction"`
	Transform       string                 `json:"transform,omitempty" bson:"transform,omitempty"`
	TransformConfig map[string]interface{} `json:"transform_config,omitempty" bson:"transform_config,omitempty"`
	IsCustom        bool                   `json:"is_custom" bson:"is_custom"`
	DefaultValue    interface{}            `json:"default_value,omitempty" bson:"default_value,omitempty"`
	Required        bool                   `json:"required" bson:"required"`
	Active          bool                   `json:"active" bson:"active"`
	Order           int                    `json:"order" bson:"order"`
	CreatedAt       time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" bson:"updated_at"`
}

// LocalField is the field name the rule reads or writes on the local side.
func (r Rule) LocalField() string {
	if r.Direction == RemoteToLocal {
		return r.TargetField
	}
	return r.SourceField
}

// ValidationError fails one sync item; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// DefaultRules are seeded on first start so that a fresh install syncs the
// epic basics.
func DefaultRules() []Rule {
	return []Rule{
		{SourceField: "title", TargetField: "summary", Direction: Bidirectional, Transform: TransformIdentity, Required: true, Active: true, Order: 10},
		{SourceField: "description", TargetField: "description", Direction: Bidirectional, Transform: TransformIdentity, Active: true, Order: 20},
		{
			SourceField: "status", TargetField: "status", Direction: Bidirectional, Transform: TransformEnumRemap, Active: true, Order: 30,
			TransformConfig: map[string]interface{}{
				"values": map[string]interface{}{
					"draft":     "To Do",
					"in_review": "In Progress",
					"approved":  "Done",
				},
			},
		},
		{
			SourceField: "priority", TargetField: "priority", Direction: Bidirectional, Transform: TransformPluckNested, Active: true, Order: 40,
			TransformConfig: map[string]interface{}{"path": "name", "nested": "target"},
		},
		{SourceField: "labels", TargetField: "labels", Direction: Bidirectional, Transform: TransformIdentity, Active: true, Order: 50},
		{
			SourceField: "due_date", TargetField: "duedate", Direction: Bidirectional, Transform: TransformDateFormat, Active: true, Order: 60,
			TransformConfig: map[string]interface{}{"from": time.RFC3339, "to": "2006-01-02"},
		},
		{
			SourceField: "issuetype", TargetField: "issue_type", Direction: RemoteToLocal, Transform: TransformPluckNested, Active: true, Order: 70,
			TransformConfig: map[string]interface{}{"path": "name"},
		},
		{
			SourceField: "issue_type", TargetField: "issuetype", Direction: LocalToRemote, Transform: TransformPluckNested, Active: true, Order: 80,
			TransformConfig: map[string]interface{}{"path": "name", "nested": "target"},
			DefaultValue:    map[string]interface{}{"name": "Epic"},
		},
	}
}
