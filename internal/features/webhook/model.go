package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"brd-sync/internal/features/jobqueue"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SignatureHeader carries "sha256=<hex hmac of the raw body>".
const SignatureHeader = "X-Hub-Signature"

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrBadPayload   = errors.New("webhook payload has no issue key")
)

// Event is the part of a Jira issue notification the sync engine needs.
// EventIssueDeleted is the Jira event sent when an issue is removed.
const EventIssueDeleted = "jira:issue_deleted"

type Event struct {
	RemoteKey string `json:"remote_key"`
	RemoteID  string `json:"remote_id"`
	EventType string `json:"event_type"`
}

type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"issue"`
}

// ParseEvent reads a Jira webhook body (jira:issue_created, _updated,
// _deleted).
func ParseEvent(body []byte) (Event, error) {
	var p jiraPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, err
	}
	if p.Issue.Key == "" {
		return Event{}, ErrBadPayload
	}
	return Event{
		RemoteKey: p.Issue.Key,
		RemoteID:  p.Issue.ID,
		EventType: p.WebhookEvent,
	}, nil
}

// Trigger turns an authenticated event into sync work. A nil job means the
// issue is not synced on this connection.
type Trigger interface {
	HandleWebhook(ctx context.Context, connID string, event Event) (*jobqueue.Job, error)
}

// Delivery is one inbound notification, accepted or not.
type Delivery struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConnectionID string             `json:"connection_id" bson:"connection_id"`
	Event        string             `json:"event,omitempty" bson:"event,omitempty"`
	RemoteKey    string             `json:"remote_key,omitempty" bson:"remote_key,omitempty"`
	Accepted     bool               `json:"accepted" bson:"accepted"`
	Reason       string             `json:"reason,omitempty" bson:"reason,omitempty"`
	JobID        string             `json:"job_id,omitempty" bson:"job_id,omitempty"`
	BodySize     int                `json:"body_size" bson:"body_size"`
	Duration     int64              `json:"duration" bson:"duration"` // milliseconds
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
}
