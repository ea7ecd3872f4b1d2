package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentcom/hub/internal/session"
	"github.com/agentcom/hub/pkg/logger"
)

// handleWebSocket upgrades GET /ws and hands the connection to a new
// session.Session. Unlike the rest of /api, authentication happens inside
// the session's identify frame rather than this handler — a sidecar must
// be able to open the socket before it has proven who it is.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.conns.Load() >= maxConnections {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": gin.H{"code": "too_many_connections"}})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("httpapi: websocket upgrade failed", logger.FieldError, err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Add(-1)

	connID := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	sess := session.New(s.deps.Deps, ws, connID)
	sess.Serve(c.Request.Context())
}
