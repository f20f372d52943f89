package repository

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor marks a position in the log: "continue strictly before this item".
// Opaque to callers; the (timestamp, id) pair disambiguates messages that
// share a timestamp.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// CursorFor returns the cursor pointing at the given message position.
func CursorFor(ts time.Time, id string) *Cursor {
	return &Cursor{Timestamp: ts, ID: id}
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d:%s", c.Timestamp.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}

	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, fmt.Errorf("malformed cursor %q", token)
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}

	return Cursor{Timestamp: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// olderThan reports whether a message at (ts, id) lies strictly before the
// cursor in the (timestamp, id) order.
func (c Cursor) olderThan(ts time.Time, id string) bool {
	if !ts.Equal(c.Timestamp) {
		return ts.Before(c.Timestamp)
	}
	return id < c.ID
}
