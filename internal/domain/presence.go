package domain

import (
	"fmt"
	"time"
)

// Presence store key prefixes. One record of each kind per user,
// last-write-wins by UpdatedAt.
const (
	StatusKeyPrefix = "userStatus/"
	TypingKeyPrefix = "typingStatus/"
)

// StatusKey returns the presence store key for a user's online record.
func StatusKey(userID string) string {
	return fmt.Sprintf("%s%s", StatusKeyPrefix, userID)
}

// TypingKey returns the presence store key for a user's typing record.
func TypingKey(userID string) string {
	return fmt.Sprintf("%s%s", TypingKeyPrefix, userID)
}

// PresenceRecord is a user's published online state.
type PresenceRecord struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	IsOnline  bool      `json:"is_online"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TypingRecord is a user's published typing state.
type TypingRecord struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	IsTyping  bool      `json:"is_typing"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OnlineUser is one row of the derived online-users view.
type OnlineUser struct {
	ID       string
	Name     string
	IsOnline bool
	IsTyping bool
}
