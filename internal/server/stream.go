package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/gin-gonic/gin"
)

const (
	StreamEventAuthState    = "auth-state"
	StreamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"
)

// handleStream pushes the current auth state, then every state change and
// notification, as server-sent events.
func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	states, stopStates := h.session.Subscribe(ctx)
	defer stopStates()

	var notifications <-chan notify.Notification
	if h.notifications != nil {
		stream, stopNotifications := h.notifications.Subscribe(ctx)
		defer stopNotifications()
		notifications = stream
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.SSEvent(StreamEventAuthState, h.session.State().Snapshot())
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			c.SSEvent(StreamEventAuthState, state.Snapshot())
		case notification, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			c.SSEvent(StreamEventNotification, notification)
		case <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Unix()})
		}
		c.Writer.Flush()
	}
}
