package conflict

import (
	"encoding/json"
	"fmt"
)

// MergeFunc combines a local and a remote value of one field.
type MergeFunc func(local, remote interface{}) (interface{}, error)

// UnionMerge keeps every distinct element of both lists, local order first.
func UnionMerge(local, remote interface{}) (interface{}, error) {
	l, err := toList(local)
	if err != nil {
		return nil, err
	}
	r, err := toList(remote)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, 0, len(l)+len(r))
	seen := make(map[string]bool)
	for _, v := range append(l, r...) {
		key := canonical(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out, nil
}

func toList(v interface{}) ([]interface{}, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return list, nil
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	}

	// bson arrays and other slice types
	norm := normalize(v)
	if list, ok := norm.([]interface{}); ok {
		return list, nil
	}
	return nil, fmt.Errorf("cannot merge non-list value of type %T", v)
}

func canonical(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
