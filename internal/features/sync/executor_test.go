package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"brd-sync/internal/features/brd"
	"brd-sync/internal/features/fieldmap"
	"brd-sync/internal/jira"
)

func TestItemFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", &fieldmap.ValidationError{Field: "title", Reason: "required"}, true},
		{"mapping exists", ErrMappingExists, true},
		{"brd gone", fmt.Errorf("load: %w", brd.ErrNotFound), true},
		{"issue gone", jira.ErrNotFound, true},
		{"bad request", &jira.APIError{StatusCode: 400}, true},
		{"rate limited", &jira.APIError{StatusCode: 429}, false},
		{"server error", fmt.Errorf("update: %w", &jira.APIError{StatusCode: 503}), false},
		{"timeout", context.DeadlineExceeded, false},
		{"unknown", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := itemFailure(tt.err); got != tt.want {
				t.Errorf("itemFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
