package satchel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is a decoded top-level JSON object, the unit of storage for cached
// records and action payload bodies. Serialization is canonical: encoding/json
// writes map keys in sorted order, so equal documents produce equal bytes.
type Document map[string]any

// timestampFields are checked most-specific first when comparing document
// recency during conflict resolution.
var timestampFields = []string{"updatedAt", "timestamp", "lastUpdated", "createdAt"}

// Marshal serializes the document canonically.
func (d Document) Marshal() ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("marshal nil document")
	}
	return json.Marshal(map[string]any(d))
}

// Clone returns a deep copy of the document via JSON round-trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := d.Marshal()
	if err != nil {
		return nil
	}
	out, err := DecodeDocument(data)
	if err != nil {
		return nil
	}
	return out
}

// DecodeDocument parses serialized bytes back into a Document.
func DecodeDocument(data []byte) (Document, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return Document(out), nil
}

// Timestamp returns the most specific timestamp carried by the document,
// checking updatedAt, timestamp, lastUpdated, then createdAt.
func (d Document) Timestamp() (time.Time, bool) {
	for _, field := range timestampFields {
		if v, ok := d[field]; ok {
			if ts, ok := parseTimestamp(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// isTimestampField reports whether a top-level field name is timestamp-like.
// Such fields are expected to differ between divergent copies and are not
// conflicts by themselves.
func isTimestampField(name string) bool {
	for _, field := range timestampFields {
		if name == field {
			return true
		}
	}
	return false
}

// parseTimestamp interprets a field value as an instant. RFC 3339 strings and
// epoch numbers are accepted; epoch values above 1e12 are taken as
// milliseconds, below as seconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		if t >= 1e12 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
		return time.Unix(int64(t), 0).UTC(), true
	case int64:
		if t <= 0 {
			return time.Time{}, false
		}
		if t >= 1e12 {
			return time.UnixMilli(t).UTC(), true
		}
		return time.Unix(t, 0).UTC(), true
	}
	return time.Time{}, false
}

// valuesEqual compares two decoded JSON values by canonical serialization.
func valuesEqual(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(da) == string(db)
}
