package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSubscribeAllDeliversSnapshotThenUpdates(t *testing.T) {
	st := NewMemoryPresenceStore()
	ctx := context.Background()

	if err := st.Set(ctx, "userStatus/u1", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "typingStatus/u1", []byte(`{"b":2}`)); err != nil {
		t.Fatal(err)
	}

	var got []string
	sub, err := st.SubscribeAll("userStatus/", func(kv KV) {
		got = append(got, kv.Key)
	}, func(error) {})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	defer sub.Close()

	if len(got) != 1 || got[0] != "userStatus/u1" {
		t.Fatalf("snapshot = %v, want just userStatus/u1", got)
	}

	if err := st.Set(ctx, "userStatus/u2", []byte(`{"a":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "typingStatus/u2", []byte(`{"b":4}`)); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != "userStatus/u2" {
		t.Errorf("after updates got %v, want the matching prefix only", got)
	}
}

func TestDropConnectionAppliesWillsOnce(t *testing.T) {
	st := NewMemoryPresenceStore()
	ctx := context.Background()

	will := []byte(`{"user_id":"u1","is_online":false,"updated_at":"2020-01-01T00:00:00Z"}`)
	if err := st.SetOnDisconnect(ctx, "userStatus/u1", will); err != nil {
		t.Fatal(err)
	}

	fired := 0
	var lastValue []byte
	sub, err := st.SubscribeAll("userStatus/", func(kv KV) {
		fired++
		lastValue = kv.Value
	}, func(error) {})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	defer sub.Close()

	st.DropConnection()
	if fired != 1 {
		t.Fatalf("will fired %d times, want 1", fired)
	}

	// The registration-time timestamp must not survive, or the will would
	// lose last-write-wins against anything published since.
	var rec struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(lastValue, &rec); err != nil {
		t.Fatalf("undecodable applied will: %v", err)
	}
	if rec.UpdatedAt.Year() == 2020 {
		t.Error("applied will kept its registration timestamp")
	}
	if time.Since(rec.UpdatedAt) > time.Minute {
		t.Errorf("applied will not stamped with application time: %v", rec.UpdatedAt)
	}

	// Second drop has nothing left to apply.
	st.DropConnection()
	if fired != 1 {
		t.Errorf("will re-fired on a second drop: %d", fired)
	}
}

func TestClearOnDisconnectCancelsWill(t *testing.T) {
	st := NewMemoryPresenceStore()
	ctx := context.Background()

	if err := st.SetOnDisconnect(ctx, "userStatus/u1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := st.ClearOnDisconnect(ctx, "userStatus/u1"); err != nil {
		t.Fatal(err)
	}

	fired := 0
	sub, err := st.SubscribeAll("userStatus/", func(KV) { fired++ }, func(error) {})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}
	defer sub.Close()

	st.DropConnection()
	if fired != 0 {
		t.Errorf("cancelled will still fired %d times", fired)
	}
}

func TestCloseDiscardsWills(t *testing.T) {
	st := NewMemoryPresenceStore()
	ctx := context.Background()

	if err := st.SetOnDisconnect(ctx, "userStatus/u1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fired := 0
	sub, _ := st.SubscribeAll("userStatus/", func(KV) { fired++ }, func(error) {})
	defer sub.Close()

	st.DropConnection()
	if fired != 0 {
		t.Errorf("will survived a graceful close and fired %d times", fired)
	}
}

func TestMergeNotifyFlags(t *testing.T) {
	tests := []struct {
		current string
		want    string
	}{
		{"", "Ex"},
		{"Ex", ""},
		{"xE", ""},
		{"Kg$", "Kg$Ex"},
		{"g$x", "g$xE"},
		{"KEA", ""},
		{"A", "AE"},
	}
	for _, tt := range tests {
		if got := mergeNotifyFlags(tt.current); got != tt.want {
			t.Errorf("mergeNotifyFlags(%q) = %q, want %q", tt.current, got, tt.want)
		}
	}
}

func TestStampUpdatedAt(t *testing.T) {
	at := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)

	stamped := stampUpdatedAt([]byte(`{"user_id":"u1","updated_at":"2020-01-01T00:00:00Z"}`), at)
	var rec struct {
		UserID    string    `json:"user_id"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(stamped, &rec); err != nil {
		t.Fatalf("undecodable stamped value: %v", err)
	}
	if !rec.UpdatedAt.Equal(at) {
		t.Errorf("updated_at = %v, want %v", rec.UpdatedAt, at)
	}
	if rec.UserID != "u1" {
		t.Errorf("sibling field lost: %+v", rec)
	}

	// Non-object payloads pass through untouched.
	raw := []byte(`"not an object"`)
	if out := stampUpdatedAt(raw, at); !bytes.Equal(out, raw) {
		t.Errorf("non-object value rewritten: %s", out)
	}
}
