// Package layering merges a document's persisted content with pending local overlays.
//
// Content is handled as a JSON object whose top-level keys are the merge unit: a key set by a
// later layer replaces the key from an earlier layer wholesale. Every function here is pure;
// callers always supply all layers explicitly.
package layering

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Fields is a JSON object keyed by top-level field name.
type Fields map[string]json.RawMessage

// Decode parses a JSON object. An empty input or JSON null yields an empty Fields.
func Decode(raw json.RawMessage) (Fields, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Fields{}, nil
	}
	var f Fields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, fmt.Errorf("content is not a JSON object: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// Encode serializes f with keys in sorted order, so equal Fields encode to equal bytes.
func (f Fields) Encode() (json.RawMessage, error) {
	if f == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(map[string]json.RawMessage(f))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Clone returns a copy of f that shares no backing arrays with it.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns base overlaid by persistable then ephemeral. No input is modified.
func Merge(base, persistable, ephemeral Fields) Fields {
	out := make(Fields, len(base)+len(persistable)+len(ephemeral))
	for _, layer := range []Fields{base, persistable, ephemeral} {
		for k, v := range layer {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// IsFresh reports whether state fetched at fetchedAt is still within ttl at now.
func IsFresh(fetchedAt time.Time, ttl time.Duration, now time.Time) bool {
	return now.Sub(fetchedAt) < ttl
}
