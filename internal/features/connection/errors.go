package connection

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("connection not found")
	ErrInvalidState       = errors.New("invalid or expired oauth state")
	ErrConnectionInactive = errors.New("connection is not active, re-authorization required")
	ErrTokenCorrupted     = errors.New("stored token cannot be decrypted")
	ErrNoAccessibleSites  = errors.New("oauth grant gives access to no jira site")
	ErrDisabled           = errors.New("jira integration is not configured")
)

// OAuthError is a failed authorization, exchange or refresh. Body carries
// the upstream error payload as returned by the token endpoint.
type OAuthError struct {
	Op         string // authorize, exchange, refresh
	StatusCode int
	Body       string
	Err        error
}

func (e *OAuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("oauth %s failed (status %d): %s", e.Op, e.StatusCode, e.Body)
	}
	if e.Body != "" {
		return fmt.Sprintf("oauth %s failed: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("oauth %s failed: %v", e.Op, e.Err)
}

func (e *OAuthError) Unwrap() error {
	return e.Err
}

// ConfigError reports missing OAuth app settings at startup.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("jira integration disabled, missing configuration: %v", e.Missing)
}
