package conflict

import (
	"encoding/json"
	"reflect"
	"time"
)

// ConcurrentWindow is how close the two record save times must be for a
// divergence to count as a concurrent modification.
const ConcurrentWindow = 5 * time.Second

// Input is one mapping's state in the local field namespace.
type Input struct {
	Fields         []string
	Base           map[string]interface{}
	Local          map[string]interface{}
	Remote         map[string]interface{}
	LocalModified  time.Time
	RemoteModified time.Time
	LastSynced     time.Time
}

// Detected is a divergence found by Compare, not yet persisted.
type Detected struct {
	Field  string
	Type   Type
	Base   interface{}
	Local  interface{}
	Remote interface{}
}

// Outcome is the result of a three-way compare.
type Outcome struct {
	// ToRemote holds fields changed only locally, to be written remotely.
	ToRemote map[string]interface{}
	// ToLocal holds fields changed only remotely, to be written locally.
	ToLocal map[string]interface{}
	// InSync holds fields where both sides agree.
	InSync    map[string]interface{}
	Conflicts []Detected
}

type Resolver struct {
	merges map[string]MergeFunc
	window time.Duration
}

func NewResolver() *Resolver {
	return &Resolver{
		merges: map[string]MergeFunc{
			"labels":     UnionMerge,
			"components": UnionMerge,
		},
		window: ConcurrentWindow,
	}
}

// RegisterMerge sets the merge function used for field.
func (r *Resolver) RegisterMerge(field string, fn MergeFunc) {
	r.merges[field] = fn
}

// Compare classifies every field. Equal local and remote values are never
// a conflict, whatever the base holds.
func (r *Resolver) Compare(in Input) Outcome {
	out := Outcome{
		ToRemote: map[string]interface{}{},
		ToLocal:  map[string]interface{}{},
		InSync:   map[string]interface{}{},
	}

	for _, f := range in.Fields {
		local, remote, base := in.Local[f], in.Remote[f], in.Base[f]

		switch {
		case Equal(local, remote):
			out.InSync[f] = local
		case Equal(local, base):
			out.ToLocal[f] = remote
		case Equal(remote, base):
			out.ToRemote[f] = local
		default:
			out.Conflicts = append(out.Conflicts, Detected{
				Field:  f,
				Type:   r.classify(f, in),
				Base:   base,
				Local:  local,
				Remote: remote,
			})
		}
	}
	return out
}

// classify picks the conflict type for a divergent field. status gets its
// own type; otherwise two record saves after the last sync and within the
// window of each other make it a concurrent modification.
func (r *Resolver) classify(field string, in Input) Type {
	if field == "status" {
		return TypeStatusMismatch
	}
	if in.LocalModified.After(in.LastSynced) && in.RemoteModified.After(in.LastSynced) {
		gap := in.LocalModified.Sub(in.RemoteModified)
		if gap < 0 {
			gap = -gap
		}
		if gap <= r.window {
			return TypeConcurrentModification
		}
	}
	return TypeFieldChange
}

// Deletion describes a mapping whose local or remote record is gone.
func Deletion(localGone, remoteGone bool) Detected {
	d := Detected{Field: RecordField, Type: TypeDeletion, Local: "present", Remote: "present"}
	if localGone {
		d.Local = nil
	}
	if remoteGone {
		d.Remote = nil
	}
	return d
}

// Resolve computes the value a strategy settles on. chosen is only used by
// manual resolution.
func (r *Resolver) Resolve(field string, strategy Strategy, local, remote, chosen interface{}) (interface{}, error) {
	switch strategy {
	case KeepLocal:
		return local, nil
	case KeepRemote:
		return remote, nil
	case Merge:
		if fn, ok := r.merges[field]; ok {
			return fn(local, remote)
		}
		return local, nil
	case Manual:
		if chosen == nil {
			return nil, ErrChosenValueRequired
		}
		return chosen, nil
	}
	return nil, ErrInvalidStrategy
}

// Equal compares two field values after normalising them through JSON, so
// that int/float and bson/plain container differences do not count.
func Equal(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
