package repository

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 14, 10, 30, 0, 123456000, time.UTC)
	c := CursorFor(ts, "9f6c1c2e-0b1a-4a55-9f6d-2f4f3a8a9c10")

	decoded, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor failed: %v", err)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("timestamp mismatch: got %v want %v", decoded.Timestamp, ts)
	}
	if decoded.ID != c.ID {
		t.Errorf("id mismatch: got %q want %q", decoded.ID, c.ID)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "not-base64!!!", "bm9jb2xvbg", "OnRyYWlsaW5n"} {
		if _, err := DecodeCursor(token); err == nil {
			t.Errorf("DecodeCursor(%q) succeeded, want error", token)
		}
	}
}

func TestCursorOlderThanTieBreaksByID(t *testing.T) {
	ts := time.Date(2025, 6, 14, 10, 30, 0, 0, time.UTC)
	c := Cursor{Timestamp: ts, ID: "m"}

	if !c.olderThan(ts.Add(-time.Second), "z") {
		t.Error("earlier timestamp should be older regardless of id")
	}
	if !c.olderThan(ts, "a") {
		t.Error("same timestamp with smaller id should be older")
	}
	if c.olderThan(ts, "m") {
		t.Error("the cursor position itself is not strictly older")
	}
	if c.olderThan(ts, "z") {
		t.Error("same timestamp with larger id is not older")
	}
	if c.olderThan(ts.Add(time.Second), "a") {
		t.Error("later timestamp is not older")
	}
}
