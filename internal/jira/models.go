package jira

import (
	"strings"
	"time"
)

// Jira timestamps use a numeric zone without a colon.
const timeLayout = "2006-01-02T15:04:05.000-0700"

// Issue is the subset of a Jira issue the sync engine works with.
type Issue struct {
	ID      string                 `json:"id"`
	Key     string                 `json:"key"`
	Fields  map[string]interface{} `json:"fields"`
	Updated time.Time              `json:"-"`
}

// Resource is one Jira site the OAuth grant gives access to.
type Resource struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
}

type createIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

type transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	To   struct {
		Name string `json:"name"`
	} `json:"to"`
}

type transitionsResponse struct {
	Transitions []transition `json:"transitions"`
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// statusName extracts the status name from either a plain string or the
// {"name": ...} object Jira returns.
func statusName(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]interface{}:
		name, _ := s["name"].(string)
		return name
	}
	return ""
}

func sameStatus(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
