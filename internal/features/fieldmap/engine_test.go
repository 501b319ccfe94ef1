package fieldmap

import (
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestApplyDirectionFilter(t *testing.T) {
	rules := []Rule{
		{SourceField: "title", TargetField: "summary", Direction: Bidirectional, Active: true, Order: 1},
		{SourceField: "owner", TargetField: "assignee", Direction: LocalToRemote, Active: true, Order: 2},
		{SourceField: "resolution", TargetField: "resolution", Direction: RemoteToLocal, Active: true, Order: 3},
		{SourceField: "notes", TargetField: "comment", Direction: Bidirectional, Active: false, Order: 4},
	}
	e := NewEngine()

	tests := []struct {
		name   string
		dir    Direction
		source map[string]interface{}
		want   map[string]interface{}
	}{
		{
			name:   "local to remote",
			dir:    LocalToRemote,
			source: map[string]interface{}{"title": "Checkout", "owner": "ana", "resolution": "x", "notes": "n"},
			want:   map[string]interface{}{"summary": "Checkout", "assignee": "ana"},
		},
		{
			name:   "remote to local runs bidirectional rules reversed",
			dir:    RemoteToLocal,
			source: map[string]interface{}{"summary": "Checkout", "assignee": "ana", "resolution": "Fixed"},
			want:   map[string]interface{}{"title": "Checkout", "resolution": "Fixed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Apply(rules, tt.dir, tt.source)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyDefaultsAndRequired(t *testing.T) {
	e := NewEngine()

	withDefault := []Rule{{SourceField: "issue_type", TargetField: "issuetype", Direction: LocalToRemote, Active: true, DefaultValue: "Epic"}}
	got, err := e.Apply(withDefault, LocalToRemote, map[string]interface{}{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got["issuetype"] != "Epic" {
		t.Errorf("issuetype = %v, want default", got["issuetype"])
	}

	required := []Rule{{SourceField: "title", TargetField: "summary", Direction: LocalToRemote, Active: true, Required: true}}
	_, err = e.Apply(required, LocalToRemote, map[string]interface{}{"title": nil})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "title" {
		t.Fatalf("Apply() error = %v, want ValidationError on title", err)
	}

	unknown := []Rule{{SourceField: "a", TargetField: "b", Direction: LocalToRemote, Active: true, Transform: "rot13"}}
	if _, err := e.Apply(unknown, LocalToRemote, map[string]interface{}{"a": "x"}); !errors.As(err, &verr) {
		t.Errorf("unknown transform error = %v, want ValidationError", err)
	}
}

func TestBuiltinTransforms(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name       string
		rule       Rule
		local      map[string]interface{}
		wantRemote map[string]interface{}
	}{
		{
			name: "enum remap",
			rule: Rule{SourceField: "status", TargetField: "status", Transform: TransformEnumRemap,
				TransformConfig: map[string]interface{}{"values": map[string]interface{}{"draft": "To Do", "approved": "Done"}}},
			local:      map[string]interface{}{"status": "approved"},
			wantRemote: map[string]interface{}{"status": "Done"},
		},
		{
			name: "date format",
			rule: Rule{SourceField: "due_date", TargetField: "duedate", Transform: TransformDateFormat,
				TransformConfig: map[string]interface{}{"from": "rfc3339", "to": "date"}},
			local:      map[string]interface{}{"due_date": "2024-06-30T00:00:00Z"},
			wantRemote: map[string]interface{}{"duedate": "2024-06-30"},
		},
		{
			name: "pluck nested on the target side",
			rule: Rule{SourceField: "priority", TargetField: "priority", Transform: TransformPluckNested,
				TransformConfig: map[string]interface{}{"path": "name", "nested": "target"}},
			local:      map[string]interface{}{"priority": "High"},
			wantRemote: map[string]interface{}{"priority": map[string]interface{}{"name": "High"}},
		},
		{
			name: "script",
			rule: Rule{SourceField: "title", TargetField: "summary", Transform: TransformScript,
				TransformConfig: map[string]interface{}{
					"script":         `text := import("text"); result = "[BRD] " + text.trim_space(value)`,
					"reverse_script": `text := import("text"); result = text.trim_prefix(value, "[BRD] ")`,
				}},
			local:      map[string]interface{}{"title": " Checkout "},
			wantRemote: map[string]interface{}{"summary": "[BRD] Checkout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			rule.Direction = Bidirectional
			rule.Active = true
			rules := []Rule{rule}

			remote, err := e.Apply(rules, LocalToRemote, tt.local)
			if err != nil {
				t.Fatalf("Apply(local->remote) error = %v", err)
			}
			if !reflect.DeepEqual(remote, tt.wantRemote) {
				t.Fatalf("remote = %#v, want %#v", remote, tt.wantRemote)
			}

			back, err := e.Apply(rules, RemoteToLocal, remote)
			if err != nil {
				t.Fatalf("Apply(remote->local) error = %v", err)
			}
			for k, v := range back {
				if tt.name == "script" {
					if v != "Checkout" {
						t.Errorf("reverse script = %v", v)
					}
					continue
				}
				if !reflect.DeepEqual(v, tt.local[k]) {
					t.Errorf("round trip %s = %#v, want %#v", k, v, tt.local[k])
				}
			}
		})
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	e := NewEngine()
	rules := []Rule{
		{SourceField: "title", TargetField: "summary", Direction: Bidirectional, Active: true, Order: 1},
		{SourceField: "labels", TargetField: "labels", Direction: Bidirectional, Transform: TransformIdentity, Active: true, Order: 2},
	}
	local := map[string]interface{}{"title": "Checkout", "labels": []interface{}{"a", "b"}}

	remote, err := e.Apply(rules, LocalToRemote, local)
	if err != nil {
		t.Fatal(err)
	}
	back, err := e.Apply(rules, RemoteToLocal, remote)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, local) {
		t.Errorf("round trip = %v, want %v", back, local)
	}

	// no side effects: same input, same output
	again, _ := e.Apply(rules, LocalToRemote, local)
	if !reflect.DeepEqual(again, remote) {
		t.Errorf("second Apply() = %v, want %v", again, remote)
	}
}

func TestTargetsForAndFields(t *testing.T) {
	e := NewEngine()
	rules := DefaultRules()

	got := e.TargetsFor(rules, LocalToRemote, []string{"title", "priority"})
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"priority", "summary"}) {
		t.Errorf("TargetsFor(local->remote) = %v", got)
	}

	got = e.TargetsFor(rules, RemoteToLocal, []string{"summary"})
	if !reflect.DeepEqual(got, []string{"title"}) {
		t.Errorf("TargetsFor(remote->local) = %v", got)
	}

	fs := e.Fields(rules)
	if len(fs.Shared) != 6 {
		t.Errorf("shared fields = %v", fs.Shared)
	}
	if !reflect.DeepEqual(fs.LocalOnly, []string{"issue_type"}) {
		t.Errorf("local only = %v", fs.LocalOnly)
	}
}

func TestDefaultRulesMapJiraIssue(t *testing.T) {
	e := NewEngine()
	remote := map[string]interface{}{
		"summary":   "Checkout epic",
		"status":    "In Progress",
		"priority":  map[string]interface{}{"name": "High", "id": "2"},
		"labels":    []interface{}{"payments"},
		"duedate":   "2024-06-30",
		"issuetype": map[string]interface{}{"name": "Epic"},
	}

	local, err := e.Apply(DefaultRules(), RemoteToLocal, remote)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := map[string]interface{}{
		"title":      "Checkout epic",
		"status":     "in_review",
		"priority":   "High",
		"labels":     []interface{}{"payments"},
		"due_date":   "2024-06-30T00:00:00Z",
		"issue_type": "Epic",
	}
	if !reflect.DeepEqual(local, want) {
		t.Errorf("Apply() = %#v\nwant %#v", local, want)
	}
}

func TestDateFormatAcceptsStoredDates(t *testing.T) {
	e := NewEngine()
	rules := []Rule{{
		SourceField: "due_date", TargetField: "duedate", Direction: LocalToRemote, Active: true,
		Transform: TransformDateFormat, TransformConfig: map[string]interface{}{"from": "rfc3339", "to": "date"},
	}}
	due := time.Date(2024, 6, 30, 15, 4, 5, 0, time.UTC)

	for _, v := range []interface{}{due, primitive.NewDateTimeFromTime(due)} {
		out, err := e.Apply(rules, LocalToRemote, map[string]interface{}{"due_date": v})
		if err != nil {
			t.Fatalf("Apply(%T) error = %v", v, err)
		}
		if out["duedate"] != "2024-06-30" {
			t.Errorf("Apply(%T) duedate = %v, want 2024-06-30", v, out["duedate"])
		}
	}
}
