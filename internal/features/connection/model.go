package connection

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reasons recorded when a connection stops being usable. Connections are
// never deleted so the audit trail survives.
const (
	ReasonRevoked        = "revoked"
	ReasonRefreshFailed  = "refresh_failed"
	ReasonTokenCorrupted = "token_corrupted"
	ReasonInactive       = "inactive"
)

// Connection is one Jira Cloud OAuth grant owned by a user
type Connection struct {
	ID                primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	UserID            string             `json:"user_id" bson:"user_id"`
	RemoteSiteID      string             `json:"remote_site_id" bson:"remote_site_id"`
	SiteURL           string             `json:"site_url" bson:"site_url"`
	SiteName          string             `json:"site_name" bson:"site_name"`
	AccessTokenEnc    string             `json:"-" bson:"access_token_enc"`
	RefreshTokenEnc   string             `json:"-" bson:"refresh_token_enc"`
	WebhookSecretEnc  string             `json:"-" bson:"webhook_secret_enc"`
	TokenExpiresAt    time.Time          `json:"token_expires_at" bson:"token_expires_at"`
	Scopes            []string           `json:"scopes" bson:"scopes"`
	IsActive          bool               `json:"is_active" bson:"is_active"`
	DeactivatedReason string             `json:"deactivated_reason,omitempty" bson:"deactivated_reason,omitempty"`
	LastSyncAt        *time.Time         `json:"last_sync_at,omitempty" bson:"last_sync_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" bson:"updated_at"`
}

// OAuthState is a single-use anti-CSRF token bound to the initiating user
type OAuthState struct {
	State     string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

// Token is what callers of the credential manager get back: a usable
// bearer token and the site it is valid for.
type Token struct {
	ConnectionID string
	AccessToken  string
	SiteID       string
	SiteURL      string
}
