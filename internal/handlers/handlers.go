// Package handlers implements the broker's HTTP surface: signup, login,
// event ingress, cancellation, the read views and the SSE subscription.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/geofmureithi/broker/internal/bus"
	"github.com/geofmureithi/broker/internal/projection"
	"github.com/geofmureithi/broker/internal/scheduler"
	"github.com/geofmureithi/broker/internal/store"
	brokerapi "github.com/geofmureithi/broker/pkg/api/broker"
	"github.com/geofmureithi/broker/pkg/auth"
	"github.com/geofmureithi/broker/pkg/config"
	"github.com/geofmureithi/broker/pkg/logging"
	"github.com/geofmureithi/broker/pkg/models"
)

var (
	db        *store.Store
	logger    logging.Logger
	projector *projection.Projector
	eventBus  *bus.Bus
	clock     scheduler.TimeSource
	cfg       config.Config
)

// Init wires the handler package's collaborators
func Init(st *store.Store, clk scheduler.TimeSource, b *bus.Bus, proj *projection.Projector, c config.Config, log logging.Logger) {
	db = st
	clock = clk
	eventBus = b
	projector = proj
	cfg = c
	logger = log
}

// CreateUser handles signup. Usernames are unique across the store; the
// duplicate check is a scan of the user namespace.
func CreateUser(c *gin.Context) {
	var form models.UserForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, brokerapi.ErrorResponse{Error: "invalid request body"})
		return
	}

	existing, err := findUserByUsername(form.Username)
	if err != nil {
		logger.WithError(err).Error("User scan failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if existing != nil {
		c.JSON(http.StatusBadRequest, brokerapi.ErrorResponse{Error: "username already taken"})
		return
	}

	hashed, err := auth.HashPassword(form.Password)
	if err != nil {
		logger.WithError(err).Error("Password hash failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}

	user := models.User{
		ID:           uuid.New(),
		Username:     form.Username,
		Password:     hashed,
		CollectionID: form.CollectionID,
		TenantID:     form.TenantID,
	}
	value, err := json.Marshal(&user)
	if err != nil {
		logger.WithError(err).Error("User encode failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if err := db.CAS(store.UserKey(user.ID.String()), nil, value); err != nil {
		logger.WithError(err).Error("User write failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if err := db.Flush(); err != nil {
		logger.WithError(err).Warn("Store flush failed after signup")
	}

	logger.WithFields(logging.Fields{
		"user_id":   user.ID,
		"tenant_id": user.TenantID,
	}).Info("User created")
	c.JSON(http.StatusOK, brokerapi.CreatedResponse{ID: user.ID.String()})
}

// Login verifies credentials and issues a bearer token. The expiry base is
// the network time source, matching the scheduler's clock. Failures are a
// bare 401; the response never says which half of the check failed.
func Login(c *gin.Context) {
	var form models.Login
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}

	user, err := findUserByUsername(form.Username)
	if err != nil {
		logger.WithError(err).Error("User scan failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if user == nil || !auth.CheckPassword(form.Password, user.Password) {
		c.Status(http.StatusUnauthorized)
		return
	}

	now, err := clock.Now()
	if err != nil {
		logger.WithError(err).Error("Time source unavailable during login")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "time source unavailable"})
		return
	}

	token, err := auth.GenerateToken(user.ID.String(), now+cfg.Expiry, []byte(cfg.Secret))
	if err != nil {
		logger.WithError(err).Error("Token signing failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "token signing failed"})
		return
	}

	c.JSON(http.StatusOK, brokerapi.TokenResponse{JWT: token})
}

// Insert validates and persists a submitted event under the caller's
// tenant. Timestamps are not checked against the clock: past-dated events
// are legal and immediately eligible for dispatch.
func Insert(c *gin.Context) {
	user := actingUser(c)
	if user == nil {
		return
	}

	var form models.EventForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, brokerapi.ErrorResponse{Error: "invalid request body"})
		return
	}

	if form.TenantID != user.TenantID {
		c.JSON(http.StatusOK, brokerapi.ErrorResponse{Error: "trying to write to wrong tenant"})
		return
	}

	event := models.Event{
		ID:           uuid.New(),
		UserID:       user.ID,
		CollectionID: form.CollectionID,
		TenantID:     form.TenantID,
		Event:        form.Event,
		Timestamp:    form.Timestamp,
		Published:    false,
		Cancelled:    false,
		Data:         form.Data,
	}
	value, err := json.Marshal(&event)
	if err != nil {
		logger.WithError(err).Error("Event encode failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if err := db.CAS(store.EventKey(event.ID.String()), nil, value); err != nil {
		logger.WithError(err).Error("Event write failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if err := db.Flush(); err != nil {
		logger.WithError(err).Warn("Store flush failed after insert")
	}

	logger.WithFields(logging.Fields{
		"event_id":  event.ID,
		"event":     event.Event,
		"tenant_id": event.TenantID,
		"timestamp": event.Timestamp,
	}).Info("Event accepted")
	c.JSON(http.StatusOK, brokerapi.RecordResponse{Event: &event})
}

// Cancel flips an event's cancelled flag under tenant check. Unknown ids
// surface as {"event":null}; a cancel for another tenant's event returns
// the record untouched. Losing the CAS race to another cancel still counts
// as success since the terminal state is reached either way.
func Cancel(c *gin.Context) {
	user := actingUser(c)
	if user == nil {
		return
	}

	eventID := c.Param("event_id")
	key := store.EventKey(eventID)
	raw, err := db.Get(key)
	if err != nil {
		logger.WithError(err).Error("Event read failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if raw == nil {
		c.JSON(http.StatusOK, brokerapi.RecordResponse{Event: nil})
		return
	}

	var event models.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		logger.WithError(err).WithField("key", key).Error("Undecodable event record")
		c.JSON(http.StatusOK, brokerapi.RecordResponse{Event: nil})
		return
	}

	if event.TenantID != user.TenantID {
		c.JSON(http.StatusOK, brokerapi.RecordResponse{Event: &event})
		return
	}

	cancelled := event
	cancelled.Cancelled = true
	value, err := json.Marshal(&cancelled)
	if err != nil {
		logger.WithError(err).Error("Event encode failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	if err := db.CAS(key, raw, value); err != nil {
		if !errors.Is(err, store.ErrCASConflict) {
			logger.WithError(err).Error("Cancel write failed")
			c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
			return
		}
		// Another writer got there first; the event is already settled.
	}
	if err := db.Flush(); err != nil {
		logger.WithError(err).Warn("Store flush failed after cancel")
	}

	logger.WithFields(logging.Fields{
		"event_id":  event.ID,
		"tenant_id": event.TenantID,
	}).Info("Event cancelled")
	c.JSON(http.StatusOK, brokerapi.RecordResponse{Event: &cancelled})
}

// GetCollection lists the events of one collection within the caller's
// tenant, oldest first.
func GetCollection(c *gin.Context) {
	user := actingUser(c)
	if user == nil {
		return
	}

	events, err := projector.Collection(user, c.Param("collection_id"))
	if err != nil {
		logger.WithError(err).Error("Collection scan failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	c.JSON(http.StatusOK, brokerapi.CollectionResponse{Events: events})
}

// GetUserEvents returns the per-user view: the events of the user's
// collection and the events the user created.
func GetUserEvents(c *gin.Context) {
	user := actingUser(c)
	if user == nil {
		return
	}

	info, owned, err := projector.UserCollection(user)
	if err != nil {
		logger.WithError(err).Error("User view scan failed")
		c.JSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return
	}
	c.JSON(http.StatusOK, brokerapi.UserCollectionResponse{Info: info, Events: owned})
}

// actingUser resolves the authenticated subject to its stored user record.
// A token whose subject no longer exists gets the same bare 401 as any
// other failed credential.
func actingUser(c *gin.Context) *models.User {
	subject := c.GetString("subject")
	user, err := loadUser(subject)
	if err != nil {
		logger.WithError(err).Error("User read failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, brokerapi.ErrorResponse{Error: "storage failure"})
		return nil
	}
	if user == nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return nil
	}
	return user
}
