package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Event is a scheduled, named datum awaiting publication at a wall-clock
// timestamp. Persisted under `_v_<id>`; state only ever progresses through
// the published/cancelled flags, records are never deleted.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	CollectionID uuid.UUID       `json:"collection_id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	Event        string          `json:"event"`
	Timestamp    int64           `json:"timestamp"`
	Published    bool            `json:"published"`
	Cancelled    bool            `json:"cancelled"`
	Data         json.RawMessage `json:"data"`
}

// EventForm is the event submission body. Timestamp is the scheduled
// publication time in epoch seconds; past-dated timestamps are legal and
// become immediately eligible for dispatch.
type EventForm struct {
	CollectionID uuid.UUID       `json:"collection_id" binding:"required"`
	TenantID     uuid.UUID       `json:"tenant_id" binding:"required"`
	Event        string          `json:"event" binding:"required"`
	Timestamp    int64           `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
}

// DataObject decodes the event payload as a JSON object. The second return
// is false for scalar, array or null payloads, which are persisted verbatim
// but contribute nothing to the tabular projection.
func (e *Event) DataObject() (map[string]interface{}, bool) {
	if len(e.Data) == 0 {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(e.Data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
