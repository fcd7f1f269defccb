// Package projection derives read views from the persisted event records:
// the per-tenant tabular snapshot streamed to subscribers, plus the
// collection and per-user listings.
package projection

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/gobuffalo/flect"
	"github.com/google/uuid"

	"github.com/geofmureithi/broker/internal/store"
	"github.com/geofmureithi/broker/pkg/logging"
	"github.com/geofmureithi/broker/pkg/models"
)

// Column describes one field of the tabular snapshot
type Column struct {
	Field string `json:"field"`
	Title string `json:"title"`
}

// snapshotPayload is the JSON body of one snapshot frame. Field order
// matches the wire format: columns, events, rows.
type snapshotPayload struct {
	Columns []Column                 `json:"columns"`
	Events  []models.Event           `json:"events"`
	Rows    []map[string]interface{} `json:"rows"`
}

// Projector builds views over the store
type Projector struct {
	store  *store.Store
	logger logging.Logger
}

// New creates a projector
func New(st *store.Store, logger logging.Logger) *Projector {
	return &Projector{store: st, logger: logger}
}

// TenantSnapshot builds one stream message per unique event name for the
// tenant. Cancelled events are excluded. The result is deterministic modulo
// the fresh per-message id: names and collection ids are walked in sorted
// order.
func (p *Projector) TenantSnapshot(tenantID uuid.UUID) ([]models.StreamMessage, error) {
	events, err := p.scanEvents(func(e *models.Event) bool {
		return e.TenantID == tenantID && !e.Cancelled
	})
	if err != nil {
		return nil, err
	}
	sortAscending(events)

	names := make([]string, 0)
	seen := make(map[string]struct{})
	for _, e := range events {
		if _, ok := seen[e.Event]; !ok {
			seen[e.Event] = struct{}{}
			names = append(names, e.Event)
		}
	}
	sort.Strings(names)

	messages := make([]models.StreamMessage, 0, len(names))
	for _, name := range names {
		// Newest event per collection: the source set is sorted ascending
		// by timestamp, so the last write per collection id wins.
		latest := make(map[string]models.Event)
		for _, e := range events {
			if e.Event == name {
				latest[e.CollectionID.String()] = e
			}
		}
		collectionIDs := make([]string, 0, len(latest))
		for id := range latest {
			collectionIDs = append(collectionIDs, id)
		}
		sort.Strings(collectionIDs)

		selected := make([]models.Event, 0, len(latest))
		rows := make([]map[string]interface{}, 0, len(latest))
		uniqKeys := make(map[string]struct{})
		for _, id := range collectionIDs {
			e := latest[id]
			obj, ok := e.DataObject()
			if !ok {
				// Scalar payloads still appear in collection views but
				// contribute no rows or columns.
				continue
			}
			selected = append(selected, e)

			row := make(map[string]interface{}, len(obj)+2)
			for k, v := range obj {
				row[k] = v
				uniqKeys[k] = struct{}{}
			}
			row["timestamp"] = strconv.FormatInt(e.Timestamp, 10)
			row["collection_id"] = e.CollectionID.String()
			rows = append(rows, row)
		}

		// Rows are ordered newest first by the stringified timestamp,
		// matching the wire format consumers already parse.
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i]["timestamp"].(string) > rows[j]["timestamp"].(string)
		})

		columns := buildColumns(uniqKeys)

		payload, err := json.Marshal(snapshotPayload{
			Columns: columns,
			Events:  selected,
			Rows:    rows,
		})
		if err != nil {
			return nil, err
		}

		messages = append(messages, models.StreamMessage{
			ID:       uuid.New().String(),
			Event:    name,
			Data:     string(payload),
			Retry:    models.DefaultRetryMillis,
			TenantID: tenantID,
		})
	}
	return messages, nil
}

// buildColumns turns the union of data-object keys into sorted column
// descriptors, prefixed by the fixed Timestamp and collection_id columns.
func buildColumns(uniqKeys map[string]struct{}) []Column {
	extra := make([]Column, 0, len(uniqKeys))
	for key := range uniqKeys {
		if key == "timestamp" || key == "collection_id" {
			continue
		}
		extra = append(extra, Column{Field: key, Title: flect.Humanize(key)})
	}
	sort.Slice(extra, func(i, j int) bool {
		a, _ := json.Marshal(extra[i])
		b, _ := json.Marshal(extra[j])
		return string(a) < string(b)
	})

	columns := make([]Column, 0, len(extra)+2)
	columns = append(columns,
		Column{Field: "timestamp", Title: "Timestamp"},
		Column{Field: "collection_id", Title: "collection_id"},
	)
	return append(columns, extra...)
}

// Collection lists the events of one collection visible to the acting
// user's tenant, sorted ascending by timestamp.
func (p *Projector) Collection(user *models.User, collectionID string) ([]models.Event, error) {
	events, err := p.scanEvents(func(e *models.Event) bool {
		return e.CollectionID.String() == collectionID && e.TenantID == user.TenantID
	})
	if err != nil {
		return nil, err
	}
	sortAscending(events)
	return events, nil
}

// UserCollection builds the per-user view: info holds every event in the
// user's collection, owned every event the user created. Both sorted
// ascending by timestamp.
func (p *Projector) UserCollection(user *models.User) (info, owned []models.Event, err error) {
	info, err = p.scanEvents(func(e *models.Event) bool {
		return e.CollectionID == user.CollectionID
	})
	if err != nil {
		return nil, nil, err
	}
	owned, err = p.scanEvents(func(e *models.Event) bool {
		return e.UserID == user.ID
	})
	if err != nil {
		return nil, nil, err
	}
	sortAscending(info)
	sortAscending(owned)
	return info, owned, nil
}

// scanEvents walks every event record and keeps those matching the filter.
// Records that fail to decode are logged and skipped, never fatal.
func (p *Projector) scanEvents(keep func(*models.Event) bool) ([]models.Event, error) {
	events := make([]models.Event, 0)
	err := p.store.Iter(store.EventPrefix, func(key string, value []byte) error {
		var e models.Event
		if err := json.Unmarshal(value, &e); err != nil {
			p.logger.WithError(err).WithField("key", key).Error("Skipping undecodable event record")
			return nil
		}
		if keep(&e) {
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func sortAscending(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}
