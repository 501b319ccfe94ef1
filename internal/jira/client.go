package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client is the remote side of the sync engine.
type Client interface {
	GetIssue(ctx context.Context, key string) (*Issue, error)
	CreateIssue(ctx context.Context, fields map[string]interface{}) (*Issue, error)
	UpdateIssue(ctx context.Context, key string, fields map[string]interface{}) error
}

// HTTPClient talks to Jira Cloud REST v2 (plain text descriptions) through
// the Atlassian API gateway (https://api.atlassian.com/ex/jira/{cloudId}).
type HTTPClient struct {
	http    *http.Client
	baseURL string
	token   string
}

// New creates a client bound to one site and one access token.
func New(httpClient *http.Client, apiBaseURL, cloudID, token string) *HTTPClient {
	return &HTTPClient{
		http:    httpClient,
		baseURL: strings.TrimRight(apiBaseURL, "/") + "/" + url.PathEscape(cloudID),
		token:   token,
	}
}

func (c *HTTPClient) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key), nil, &issue); err != nil {
		return nil, err
	}
	if issue.Fields == nil {
		issue.Fields = map[string]interface{}{}
	}
	issue.Updated = parseTime(issue.Fields["updated"])
	// status is written back by name, so read it the same way
	if name := statusName(issue.Fields["status"]); name != "" {
		issue.Fields["status"] = name
	}
	return &issue, nil
}

func (c *HTTPClient) CreateIssue(ctx context.Context, fields map[string]interface{}) (*Issue, error) {
	status, rest := splitStatus(fields)

	var created createIssueResponse
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", map[string]interface{}{"fields": rest}, &created); err != nil {
		return nil, err
	}

	if status != "" {
		if err := c.transition(ctx, created.Key, status); err != nil {
			return nil, err
		}
	}
	return &Issue{ID: created.ID, Key: created.Key, Fields: fields}, nil
}

// UpdateIssue edits fields; a "status" entry is applied through the
// workflow transitions endpoint since Jira does not accept it as a field.
func (c *HTTPClient) UpdateIssue(ctx context.Context, key string, fields map[string]interface{}) error {
	status, rest := splitStatus(fields)

	if len(rest) > 0 {
		if err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+url.PathEscape(key), map[string]interface{}{"fields": rest}, nil); err != nil {
			return err
		}
	}
	if status != "" {
		return c.transition(ctx, key, status)
	}
	return nil
}

func (c *HTTPClient) transition(ctx context.Context, key, status string) error {
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "/transitions"

	var resp transitionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Transitions {
		if sameStatus(t.To.Name, status) || sameStatus(t.Name, status) {
			return c.do(ctx, http.MethodPost, path, map[string]interface{}{"transition": map[string]string{"id": t.ID}}, nil)
		}
	}
	return fmt.Errorf("%w: %q on %s", ErrUnknownTransition, status, key)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return &APIError{StatusCode: res.StatusCode, Body: string(b)}
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// AccessibleResources lists the Jira sites an access token is valid for.
func AccessibleResources(ctx context.Context, httpClient *http.Client, resourcesURL, token string) ([]Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourcesURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return nil, &APIError{StatusCode: res.StatusCode, Body: string(b)}
	}

	var resources []Resource
	if err := json.NewDecoder(res.Body).Decode(&resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func splitStatus(fields map[string]interface{}) (string, map[string]interface{}) {
	rest := make(map[string]interface{}, len(fields))
	var status string
	for k, v := range fields {
		if k == "status" {
			status = statusName(v)
			continue
		}
		rest[k] = v
	}
	return status, rest
}
