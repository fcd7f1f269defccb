package broker

import "github.com/geofmureithi/broker/pkg/models"

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreatedResponse is returned on successful signup
type CreatedResponse struct {
	ID string `json:"id"`
}

// TokenResponse is returned on successful login
type TokenResponse struct {
	JWT string `json:"jwt"`
}

// RecordResponse wraps a single event, as returned by insert and cancel.
// Event is a pointer so a cancel of an unknown id serializes as
// {"event":null} rather than leaking an internal error.
type RecordResponse struct {
	Event *models.Event `json:"event"`
}

// CollectionResponse wraps the events of one collection
type CollectionResponse struct {
	Events []models.Event `json:"events"`
}

// UserCollectionResponse carries the per-user view: info is every event in
// the user's collection, events is every event the user created.
type UserCollectionResponse struct {
	Info   []models.Event `json:"info"`
	Events []models.Event `json:"events"`
}
