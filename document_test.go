package satchel

import (
	"testing"
	"time"
)

func TestDocumentTimestampPrecedence(t *testing.T) {
	doc := Document{
		"updatedAt":   "2026-03-01T10:00:00Z",
		"timestamp":   "2026-03-01T09:00:00Z",
		"lastUpdated": "2026-03-01T08:00:00Z",
		"createdAt":   "2026-03-01T07:00:00Z",
	}
	ts, ok := doc.Timestamp()
	if !ok {
		t.Fatal("expected a timestamp")
	}
	if ts.Hour() != 10 {
		t.Fatalf("updatedAt should win, got %v", ts)
	}

	delete(doc, "updatedAt")
	ts, _ = doc.Timestamp()
	if ts.Hour() != 9 {
		t.Fatalf("timestamp should be next, got %v", ts)
	}

	delete(doc, "timestamp")
	delete(doc, "lastUpdated")
	ts, _ = doc.Timestamp()
	if ts.Hour() != 7 {
		t.Fatalf("createdAt should be the last fallback, got %v", ts)
	}

	if _, ok := (Document{"price": 120.0}).Timestamp(); ok {
		t.Fatal("document without timestamp fields should report none")
	}
}

func TestDocumentTimestampFormats(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  time.Time
	}{
		{"rfc3339", "2026-03-01T10:30:00Z", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"rfc3339 nanos", "2026-03-01T10:30:00.5Z", time.Date(2026, 3, 1, 10, 30, 0, 5e8, time.UTC)},
		{"epoch seconds", float64(1767261600), time.Unix(1767261600, 0).UTC()},
		{"epoch millis", float64(1767261600000), time.UnixMilli(1767261600000).UTC()},
	}
	for _, tc := range cases {
		doc := Document{"updatedAt": tc.value}
		ts, ok := doc.Timestamp()
		if !ok {
			t.Fatalf("%s: expected a timestamp", tc.name)
		}
		if !ts.Equal(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, ts, tc.want)
		}
	}

	for _, bad := range []any{"yesterday", float64(0), float64(-5), true} {
		if _, ok := (Document{"updatedAt": bad}).Timestamp(); ok {
			t.Fatalf("value %v should not parse as a timestamp", bad)
		}
	}
}

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := Document{
		"status": "open",
		"terms":  map[string]any{"price": 120.0},
	}
	clone := doc.Clone()
	clone["status"] = "cancelled"
	clone["terms"].(map[string]any)["price"] = 1.0

	if doc["status"] != "open" {
		t.Fatal("clone mutation leaked into the original")
	}
	if doc["terms"].(map[string]any)["price"] != 120.0 {
		t.Fatal("nested clone mutation leaked into the original")
	}

	if Document(nil).Clone() != nil {
		t.Fatal("nil document should clone to nil")
	}
}

func TestDocumentMarshalRoundTrip(t *testing.T) {
	doc := Document{"commodity": "maize", "price": 120.5, "tags": []any{"grain"}}
	data, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := DecodeDocument(data)
	if err != nil {
		t.Fatalf("DecodeDocument: %v", err)
	}
	if !valuesEqual(map[string]any(doc), map[string]any(back)) {
		t.Fatalf("round trip mismatch: %v vs %v", doc, back)
	}

	if _, err := Document(nil).Marshal(); err == nil {
		t.Fatal("nil document must not marshal")
	}
	if _, err := DecodeDocument([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestValuesEqual(t *testing.T) {
	if !valuesEqual(map[string]any{"a": 1.0, "b": 2.0}, map[string]any{"b": 2.0, "a": 1.0}) {
		t.Fatal("key order must not matter")
	}
	if valuesEqual([]any{1.0, 2.0}, []any{2.0, 1.0}) {
		t.Fatal("array order matters")
	}
	if valuesEqual("120", 120.0) {
		t.Fatal("string and number are different values")
	}
}

func TestIsTimestampField(t *testing.T) {
	for _, name := range []string{"updatedAt", "timestamp", "lastUpdated", "createdAt"} {
		if !isTimestampField(name) {
			t.Fatalf("%s should be timestamp-like", name)
		}
	}
	if isTimestampField("price") {
		t.Fatal("price is not timestamp-like")
	}
}
