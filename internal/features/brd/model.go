package brd

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned for unknown or deleted BRDs.
var ErrNotFound = errors.New("brd not found")

// Record is a business-requirements document as seen by the sync engine:
// an id, its flat field map and the last time it was saved.
type Record struct {
	ID        string                 `json:"id"`
	Fields    map[string]interface{} `json:"fields"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type brdDocument struct {
	ID        primitive.ObjectID     `bson:"_id,omitempty"`
	Data      map[string]interface{} `bson:"data"`
	CreatedAt time.Time              `bson:"created_at"`
	UpdatedAt time.Time              `bson:"updated_at"`
	Deleted   bool                   `bson:"deleted"`
	DeletedAt *time.Time             `bson:"deleted_at,omitempty"`
}
