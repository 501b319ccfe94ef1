package fieldmap

import (
	"sort"
	"time"
)

// Engine applies mapping rules. It holds only the transform registry and
// has no other state, so identical input always yields identical output.
type Engine struct {
	transforms map[string]Transform
}

func NewEngine() *Engine {
	return &Engine{
		transforms: map[string]Transform{
			"":                   identityTransform{},
			TransformIdentity:    identityTransform{},
			TransformEnumRemap:   enumRemapTransform{},
			TransformDateFormat:  dateFormatTransform{},
			TransformPluckNested: pluckNestedTransform{},
			TransformScript:      scriptTransform{timeout: 2 * time.Second},
		},
	}
}

// HasTransform reports whether name is registered.
func (e *Engine) HasTransform(name string) bool {
	_, ok := e.transforms[name]
	return ok
}

// step is one rule resolved for a pass direction.
type step struct {
	rule    Rule
	from    string
	to      string
	reverse bool
}

// plan selects the active rules that take part in a pass in dir and orders
// them. Bidirectional rules run reversed on a remote to local pass.
func plan(rules []Rule, dir Direction) []step {
	var steps []step
	for _, r := range rules {
		if !r.Active {
			continue
		}
		switch {
		case r.Direction == dir:
			steps = append(steps, step{rule: r, from: r.SourceField, to: r.TargetField})
		case r.Direction == Bidirectional && dir == LocalToRemote:
			steps = append(steps, step{rule: r, from: r.SourceField, to: r.TargetField})
		case r.Direction == Bidirectional && dir == RemoteToLocal:
			steps = append(steps, step{rule: r, from: r.TargetField, to: r.SourceField, reverse: true})
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].rule.Order < steps[j].rule.Order
	})
	return steps
}

// Apply maps source into the shape of the other side for a pass in dir
// (LocalToRemote or RemoteToLocal). Fields without a rule are dropped.
func (e *Engine) Apply(rules []Rule, dir Direction, source map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	for _, s := range plan(rules, dir) {
		value, present := source[s.from]
		if !present || value == nil {
			if s.rule.DefaultValue != nil {
				out[s.to] = s.rule.DefaultValue
				continue
			}
			if s.rule.Required {
				return nil, &ValidationError{Field: s.from, Reason: "required field has no value and no default"}
			}
			continue
		}

		t, ok := e.transforms[s.rule.Transform]
		if !ok {
			return nil, &ValidationError{Field: s.from, Reason: "no transform registered as " + s.rule.Transform}
		}

		var (
			mapped interface{}
			err    error
		)
		if s.reverse {
			mapped, err = t.Reverse(value, s.rule.TransformConfig)
		} else {
			mapped, err = t.Forward(value, s.rule.TransformConfig)
		}
		if err != nil {
			return nil, &ValidationError{Field: s.from, Reason: err.Error()}
		}
		out[s.to] = mapped
	}

	return out, nil
}

// TargetsFor returns the fields a pass in dir writes for the given source
// fields. Used to restrict a write to the fields that actually changed.
func (e *Engine) TargetsFor(rules []Rule, dir Direction, fields []string) []string {
	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[f] = true
	}

	var targets []string
	seen := make(map[string]bool)
	for _, s := range plan(rules, dir) {
		if wanted[s.from] && !seen[s.to] {
			seen[s.to] = true
			targets = append(targets, s.to)
		}
	}
	return targets
}

// FieldSet groups the active rules by which side owns each field, using
// local field names.
type FieldSet struct {
	Shared     []string // bidirectional, compared three-way
	LocalOnly  []string // pushed local to remote only
	RemoteOnly []string // pulled remote to local only
}

func (e *Engine) Fields(rules []Rule) FieldSet {
	var fs FieldSet
	seen := make(map[string]bool)
	for _, s := range plan(rules, LocalToRemote) {
		f := s.rule.LocalField()
		if seen[f] {
			continue
		}
		seen[f] = true
		if s.rule.Direction == Bidirectional {
			fs.Shared = append(fs.Shared, f)
		} else {
			fs.LocalOnly = append(fs.LocalOnly, f)
		}
	}
	for _, s := range plan(rules, RemoteToLocal) {
		if s.rule.Direction != RemoteToLocal {
			continue
		}
		f := s.rule.LocalField()
		if !seen[f] {
			seen[f] = true
			fs.RemoteOnly = append(fs.RemoteOnly, f)
		}
	}
	return fs
}

// All lists every local field the rules touch.
func (fs FieldSet) All() []string {
	out := make([]string, 0, len(fs.Shared)+len(fs.LocalOnly)+len(fs.RemoteOnly))
	out = append(out, fs.Shared...)
	out = append(out, fs.LocalOnly...)
	return append(out, fs.RemoteOnly...)
}

// Pick returns the subset of m with the given keys.
func Pick(m map[string]interface{}, keys []string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}
