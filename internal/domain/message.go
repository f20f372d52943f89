package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLen is the upper bound on trimmed message content.
const MaxMessageLen = 250

// Message is one chat room entry. Append-only: never mutated or deleted
// once stored. ID is assigned by the message log and is opaque; the total
// order over messages is (Timestamp, ID), since the server clock is coarse
// enough for two messages to share a timestamp.
type Message struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	UserCountry *string   `json:"user_country,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Less reports whether m sorts before other in the (Timestamp, ID) order.
func (m Message) Less(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// Draft is the client-authored part of a message. The log assigns the ID
// and the server timestamp on append.
type Draft struct {
	Content     string  `json:"content"`
	UserID      string  `json:"user_id"`
	UserName    string  `json:"user_name"`
	UserCountry *string `json:"user_country,omitempty"`
}

// ValidateContent checks the trimmed content bounds and returns the trimmed
// content. Violations are reported as ErrValidation.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrValidation
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLen {
		return "", ErrValidation
	}
	return trimmed, nil
}
