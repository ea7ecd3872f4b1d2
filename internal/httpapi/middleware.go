package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxAgentIDKey = "agentcom_agent_id"

// bearerToken extracts a caller's token from the Authorization header or
// the ?token= query parameter.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// requireAuth resolves the caller's bearer token to an agent id via the
// auth store, storing it in gin's context for handlers to read with
// callerAgentID. A missing or unresolvable token fails the request with
// 401 before any handler runs.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			unauthorized(c, "unauthorized")
			c.Abort()
			return
		}
		agentID, ok := s.deps.Auth.Verify(token)
		if !ok {
			unauthorized(c, "invalid_token")
			c.Abort()
			return
		}
		c.Set(ctxAgentIDKey, agentID)
		c.Next()
	}
}

func callerAgentID(c *gin.Context) string {
	v, _ := c.Get(ctxAgentIDKey)
	s, _ := v.(string)
	return s
}
