package conflict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hearthsync/hearth/internal/engine/schema"
)

// mergeError explains why two documents could not be merged.
type mergeError struct {
	path   string
	reason string
}

func (e *mergeError) Error() string {
	if e.path == "" {
		return e.reason
	}
	return fmt.Sprintf("field %s: %s", e.path, e.reason)
}

// mergeDocuments merges two JSON objects field by field.
//
// Fields present on one side only are kept. Fields present on both sides
// with equal values are kept once. When both sides set a field to different
// values, nested objects are merged recursively and any other value is
// taken from the side that wins last-writer-wins (localWins). An object on
// one side and a non-object on the other cannot be merged.
func mergeDocuments(local, remote json.RawMessage, localWins bool) (json.RawMessage, error) {
	return mergeAt("", local, remote, localWins)
}

func mergeAt(path string, local, remote json.RawMessage, localWins bool) (json.RawMessage, error) {
	l, lok := asObject(local)
	r, rok := asObject(remote)
	if !lok || !rok {
		return nil, &mergeError{path: path, reason: "payload is not a JSON object"}
	}

	out := make(map[string]json.RawMessage, len(l)+len(r))
	for k, v := range l {
		out[k] = v
	}

	for k, rv := range r {
		lv, both := l[k]
		if !both {
			out[k] = rv
			continue
		}
		if schema.JSONEqual(lv, rv) {
			continue
		}

		_, lobj := asObject(lv)
		_, robj := asObject(rv)
		fieldPath := joinPath(path, k)

		switch {
		case lobj && robj:
			merged, err := mergeAt(fieldPath, lv, rv, localWins)
			if err != nil {
				return nil, err
			}
			out[k] = merged
		case lobj != robj:
			return nil, &mergeError{path: fieldPath, reason: "object on one side, non-object on the other"}
		case localWins:
			out[k] = lv
		default:
			out[k] = rv
		}
	}

	// Map keys marshal in sorted order, so equal inputs give byte-equal output.
	merged, err := json.Marshal(out)
	if err != nil {
		return nil, &mergeError{path: path, reason: err.Error()}
	}
	return merged, nil
}

// asObject decodes data as a JSON object. A JSON null is not an object.
func asObject(data json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

func joinPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
