package domain

import "errors"

// Error taxonomy. All of these are caught at the operation boundary, logged,
// and surfaced through the session error field; none terminate the session.
var (
	// ErrValidation rejects message content locally; it never reaches the log.
	ErrValidation = errors.New("message content must be 1-250 characters")

	// ErrLocationLookup is non-fatal; the user record is created with a nil
	// country when the lookup fails.
	ErrLocationLookup = errors.New("country lookup failed")

	// ErrAuth covers identity resolution and session token failures.
	ErrAuth = errors.New("auth failure")

	// ErrPresence covers presence store write and subscription failures.
	ErrPresence = errors.New("presence failure")

	// ErrSync covers message log fetch, append, and subscription failures.
	ErrSync = errors.New("message sync failure")

	// ErrSessionClosed is returned by operations invoked after Logout.
	ErrSessionClosed = errors.New("session closed")
)
