package store

import (
	"encoding/json"
	"time"
)

// stampUpdatedAt rewrites the "updated_at" field of a JSON object value to
// the will application time. Wills are registered long before they fire;
// without the restamp a will would lose last-write-wins against every
// explicit publish made after registration. Non-object values pass through
// untouched.
func stampUpdatedAt(value []byte, at time.Time) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return value
	}

	ts, err := json.Marshal(at.UTC())
	if err != nil {
		return value
	}
	obj["updated_at"] = ts

	stamped, err := json.Marshal(obj)
	if err != nil {
		return value
	}
	return stamped
}
