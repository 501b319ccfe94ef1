package fieldmap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transform converts a value along a rule. Forward runs source to target,
// Reverse runs target to source for bidirectional rules.
type Transform interface {
	Forward(value interface{}, cfg map[string]interface{}) (interface{}, error)
	Reverse(value interface{}, cfg map[string]interface{}) (interface{}, error)
}

type identityTransform struct{}

func (identityTransform) Forward(v interface{}, _ map[string]interface{}) (interface{}, error) {
	return v, nil
}

func (identityTransform) Reverse(v interface{}, _ map[string]interface{}) (interface{}, error) {
	return v, nil
}

// enumRemapTransform looks values up in cfg["values"]. Unknown values pass
// through unless cfg["strict"] is true.
type enumRemapTransform struct{}

func (enumRemapTransform) Forward(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	return remap(v, enumValues(cfg), cfg)
}

func (enumRemapTransform) Reverse(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	inverse := make(map[string]interface{})
	for k, mapped := range enumValues(cfg) {
		inverse[fmt.Sprint(mapped)] = k
	}
	return remap(v, inverse, cfg)
}

func remap(v interface{}, values map[string]interface{}, cfg map[string]interface{}) (interface{}, error) {
	key := fmt.Sprint(v)
	if mapped, ok := values[key]; ok {
		return mapped, nil
	}
	// case-insensitive second pass, Jira status names are not stable in case
	for k, mapped := range values {
		if strings.EqualFold(k, key) {
			return mapped, nil
		}
	}
	if strict, _ := cfg["strict"].(bool); strict {
		return nil, fmt.Errorf("no mapping for value %q", key)
	}
	return v, nil
}

func enumValues(cfg map[string]interface{}) map[string]interface{} {
	switch values := cfg["values"].(type) {
	case map[string]interface{}:
		return values
	case map[string]string:
		out := make(map[string]interface{}, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out
	}
	return map[string]interface{}{}
}

// dateFormatTransform re-formats a timestamp from cfg["from"] to cfg["to"].
// Layouts are Go reference layouts; "rfc3339" and "date" are accepted as
// shorthands.
type dateFormatTransform struct{}

func (dateFormatTransform) Forward(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	return reformat(v, layout(cfg["from"]), layout(cfg["to"]))
}

func (dateFormatTransform) Reverse(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	return reformat(v, layout(cfg["to"]), layout(cfg["from"]))
}

func reformat(v interface{}, from, to string) (interface{}, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(to), nil
	case primitive.DateTime:
		// BSON dates decode to this inside untyped maps
		return t.Time().UTC().Format(to), nil
	case string:
		parsed, err := time.Parse(from, t)
		if err != nil {
			return nil, fmt.Errorf("value %q does not match layout %q", t, from)
		}
		return parsed.UTC().Format(to), nil
	}
	return nil, fmt.Errorf("unsupported date value of type %T", v)
}

func layout(v interface{}) string {
	s, _ := v.(string)
	switch strings.ToLower(s) {
	case "", "rfc3339":
		return time.RFC3339
	case "date":
		return "2006-01-02"
	}
	return s
}

// pluckNestedTransform reads cfg["path"] (dot separated) out of an object.
// cfg["nested"] says which side holds the object: "source" (default) plucks
// on Forward and wraps on Reverse, "target" does the opposite.
type pluckNestedTransform struct{}

func (pluckNestedTransform) Forward(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	if nestedSide(cfg) == "target" {
		return wrap(v, path(cfg))
	}
	return pluck(v, path(cfg))
}

func (pluckNestedTransform) Reverse(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	if nestedSide(cfg) == "target" {
		return pluck(v, path(cfg))
	}
	return wrap(v, path(cfg))
}

func pluck(v interface{}, p []string) (interface{}, error) {
	cur := v
	for _, key := range p {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot read %q from %T", key, cur)
		}
		cur = m[key]
	}
	return cur, nil
}

func wrap(v interface{}, p []string) (interface{}, error) {
	if len(p) == 0 {
		return nil, errors.New("pluck_nested requires a path")
	}
	out := v
	for i := len(p) - 1; i >= 0; i-- {
		out = map[string]interface{}{p[i]: out}
	}
	return out, nil
}

func path(cfg map[string]interface{}) []string {
	s, _ := cfg["path"].(string)
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func nestedSide(cfg map[string]interface{}) string {
	s, _ := cfg["nested"].(string)
	return s
}

// scriptTransform runs a tengo script with the input bound to `value`; the
// script must assign `result`. Reverse uses cfg["reverse_script"].
type scriptTransform struct {
	timeout time.Duration
}

func (t scriptTransform) Forward(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	src, _ := cfg["script"].(string)
	return t.run(src, v)
}

func (t scriptTransform) Reverse(v interface{}, cfg map[string]interface{}) (interface{}, error) {
	src, _ := cfg["reverse_script"].(string)
	if src == "" {
		return nil, errors.New("reverse_script is required for a bidirectional script rule")
	}
	return t.run(src, v)
}

func (t scriptTransform) run(src string, v interface{}) (interface{}, error) {
	if src == "" {
		return nil, errors.New("script content is required")
	}

	script := tengo.NewScript([]byte(src))
	script.SetImports(stdlib.GetModuleMap("text", "times", "math", "json"))
	script.SetMaxAllocs(10000)

	if err := script.Add("value", v); err != nil {
		return nil, fmt.Errorf("unsupported script input: %w", err)
	}
	if err := script.Add("result", nil); err != nil {
		return nil, err
	}

	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := compiled.RunContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	return compiled.Get("result").Value(), nil
}
