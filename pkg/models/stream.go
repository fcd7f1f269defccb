package models

import "github.com/google/uuid"

// DefaultRetryMillis is the reconnect hint carried by every stream frame.
const DefaultRetryMillis = 5000

// StreamMessage is one server-sent event frame: a fresh id, the event name
// used as the channel key, a JSON payload and the reconnect retry hint.
type StreamMessage struct {
	ID       string
	Event    string
	Data     string
	Retry    uint
	TenantID uuid.UUID
}
