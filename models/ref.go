package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRefWithoutID is returned when an expanded relation carries no identifier.
var ErrRefWithoutID = errors.New("relation object has no id")

// Ref is a relation field that arrives either as a bare identifier or as the
// expanded related document. ID is the only value derived state should
// compare against.
type Ref[T any] struct {
	id  string
	obj *T
}

// RefID builds a relation holding only an identifier.
func RefID[T any](id string) Ref[T] {
	return Ref[T]{id: id}
}

// RefTo builds an expanded relation.
func RefTo[T any](id string, obj T) Ref[T] {
	return Ref[T]{id: id, obj: &obj}
}

// ID returns the normalized identifier regardless of the shape the relation
// was decoded from.
func (r Ref[T]) ID() string { return r.id }

// Expanded reports whether the related document was embedded.
func (r Ref[T]) Expanded() bool { return r.obj != nil }

// Object returns the embedded document when the relation was expanded.
func (r Ref[T]) Object() (T, bool) {
	if r.obj == nil {
		var zero T
		return zero, false
	}
	return *r.obj, true
}

// IsZero reports whether the relation is unset.
func (r Ref[T]) IsZero() bool { return r.id == "" && r.obj == nil }

// Is reports whether the relation points at id.
func (r Ref[T]) Is(id string) bool { return id != "" && r.id == id }

func (r Ref[T]) MarshalJSON() ([]byte, error) {
	if r.obj != nil {
		return json.Marshal(r.obj)
	}
	if r.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.id)
}

func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Ref[T]{}
		return nil
	}

	switch data[0] {
	case '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = Ref[T]{id: id}
		return nil
	case '{':
		var ids struct {
			MongoID string `json:"_id"`
			ID      string `json:"id"`
		}
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
		id := ids.MongoID
		if id == "" {
			id = ids.ID
		}
		if id == "" {
			return ErrRefWithoutID
		}
		obj := new(T)
		if err := json.Unmarshal(data, obj); err != nil {
			return fmt.Errorf("decode expanded relation %s: %w", id, err)
		}
		*r = Ref[T]{id: id, obj: obj}
		return nil
	default:
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return fmt.Errorf("relation must be an id or an object: %s", data)
		}
		*r = Ref[T]{id: num.String()}
		return nil
	}
}

// RefList is a relation that may arrive as a single reference or as an array
// of references. Both decode to a list.
type RefList[T any] []Ref[T]

// IDs returns the normalized identifiers in order.
func (l RefList[T]) IDs() []string {
	ids := make([]string, 0, len(l))
	for _, r := range l {
		if r.ID() != "" {
			ids = append(ids, r.ID())
		}
	}
	return ids
}

// Contains reports whether any reference in the list points at id.
func (l RefList[T]) Contains(id string) bool {
	for _, r := range l {
		if r.Is(id) {
			return true
		}
	}
	return false
}

func (l *RefList[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var refs []Ref[T]
		if err := json.Unmarshal(data, &refs); err != nil {
			return err
		}
		*l = refs
		return nil
	}
	var single Ref[T]
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single.IsZero() {
		*l = nil
		return nil
	}
	*l = RefList[T]{single}
	return nil
}
