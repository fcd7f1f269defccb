package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/geofmureithi/broker/pkg/models"
)

// pollCadence is how often a subscriber session checks its bus receiver
const pollCadence = 100 * time.Millisecond

// StreamEvents serves the long-lived SSE subscription for one tenant. On
// connect the session emits the full tenant snapshot; afterwards every bus
// nudge for the tenant triggers a re-projection, and idle ticks emit a
// polling keepalive. The session only ever emits frames for its own tenant.
func StreamEvents(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	if _, ok := verifyAuthorization(header); !ok {
		// One denied frame, then the stream idles until disconnect.
		writeFrame(c, statusFrame(map[string]string{"error": "denied"}))
		<-c.Request.Context().Done()
		return
	}

	sub := eventBus.Subscribe()
	defer sub.Close()

	logger.WithField("tenant_id", tenantID).Info("Subscriber attached")

	if !emitSnapshot(c, tenantID) {
		return
	}

	ticker := time.NewTicker(pollCadence)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			logger.WithField("tenant_id", tenantID).Debug("Subscriber disconnected")
			return
		case <-ticker.C:
			evt, ok := sub.TryRecv()
			if ok && evt.TenantID == tenantID {
				if !emitSnapshot(c, tenantID) {
					return
				}
			} else {
				if !writeFrame(c, statusFrame(map[string]string{"status": "polling"})) {
					return
				}
			}
		}
	}
}

// emitSnapshot re-projects the tenant snapshot and writes one frame per
// unique event name. Returns false once the client is gone.
func emitSnapshot(c *gin.Context, tenantID uuid.UUID) bool {
	messages, err := projector.TenantSnapshot(tenantID)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Snapshot projection failed")
		return true
	}
	for _, msg := range messages {
		if !writeFrame(c, msg) {
			return false
		}
	}
	return true
}

func statusFrame(payload map[string]string) models.StreamMessage {
	data, _ := json.Marshal(payload)
	return models.StreamMessage{
		ID:    uuid.New().String(),
		Event: "internal_status",
		Data:  string(data),
		Retry: models.DefaultRetryMillis,
	}
}

// writeFrame renders one SSE frame and flushes it to the client
func writeFrame(c *gin.Context, msg models.StreamMessage) bool {
	err := sse.Encode(c.Writer, sse.Event{
		Id:    msg.ID,
		Event: msg.Event,
		Retry: msg.Retry,
		Data:  msg.Data,
	})
	if err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
