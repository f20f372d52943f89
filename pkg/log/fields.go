package log

const (
	// Actor
	FieldUserID   = "user_id"
	FieldUserName = "user_name"

	// Messages
	FieldMessageID = "message_id"
	FieldCursor    = "cursor"
	FieldCount     = "count"

	// Presence
	FieldPresenceKey = "presence_key"
	FieldConnID      = "conn_id"

	// Client
	FieldClient = "client"
)
