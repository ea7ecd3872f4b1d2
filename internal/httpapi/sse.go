package httpapi

import (
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentcom/hub/internal/bus"
)

// keepaliveInterval keeps idle operator tabs from getting reaped by an
// intermediate proxy's read timeout.
const keepaliveInterval = 30 * time.Second

// handleDebugEvents streams every bus publish as it happens, for a local
// operator watching live traffic.
func (s *Server) handleDebugEvents(c *gin.Context) {
	subID := fmt.Sprintf("debug-sse-%d", s.nextID.Add(1))
	sub := s.bus.Subscribe(subID, bus.TopicAll)
	defer s.bus.Unsubscribe(subID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case evt, ok := <-sub.Ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Topic, evt.Payload)
			return true
		case <-keepalive.C:
			c.SSEvent("keepalive", "")
			return true
		}
	})
}
