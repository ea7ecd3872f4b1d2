package httpapi

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/session"
	"github.com/agentcom/hub/internal/threads"
	aerrors "github.com/agentcom/hub/pkg/errors"
	"github.com/agentcom/hub/pkg/logger"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/debug/events", s.handleDebugEvents)

	api := s.router.Group("/api", s.requireAuth())
	api.GET("/agents", s.handleListAgents)
	api.POST("/message", s.handleSendMessage)
	api.GET("/mailbox/:agent_id", s.handleMailboxPoll)
	api.POST("/mailbox/:agent_id/ack", s.handleMailboxAck)
	api.POST("/goals", s.handleSubmitGoal)
	api.GET("/goals/:goal_id", s.handleGetGoal)
	api.GET("/repos", s.handleListRepos)

	admin := s.router.Group("/admin", s.requireAuth())
	admin.POST("/tokens", s.handleCreateToken)
	admin.GET("/tokens", s.handleListTokens)
	admin.DELETE("/tokens/:agent_id", s.handleRevokeToken)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":           "ok",
		"service":          "agentcom",
		"agents_connected": len(s.deps.Presence.List()),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	entries := s.deps.Presence.List()
	agents := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		agents = append(agents, gin.H{
			"agent_id":     e.AgentID,
			"status":       e.Status,
			"meta":         e.Meta,
			"last_seen_ms": e.LastSeenMS,
		})
	}
	success(c, agents)
}

type sendMessageRequest struct {
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	ReplyTo string          `json:"reply_to"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if len(req.Payload) == 0 {
		badRequest(c, "missing_field", "payload is required")
		return
	}

	agentID := callerAgentID(c)
	kind := req.Kind
	if kind == "" {
		kind = "chat"
	}
	dec := s.deps.RateLimit.Check(agentID, "http", session.TierForKind(kind))
	if !dec.Allow {
		retryMS := s.deps.RateLimit.RecordViolation(agentID)
		rateLimited(c, retryMS)
		return
	}

	ctx := c.Request.Context()
	id := uuid.NewString()
	msg := map[string]any{
		"id":           id,
		"from":         agentID,
		"to":           req.To,
		"kind":         kind,
		"payload":      req.Payload,
		"timestamp_ms": time.Now().UnixMilli(),
	}
	if req.ReplyTo != "" {
		msg["reply_to"] = req.ReplyTo
	}

	var status string
	result, err := s.deps.Router.Route(req.To, msg)
	switch {
	case err == nil:
		status = string(result)
	case errors.Is(err, aerrors.ErrAgentOffline):
		if _, mErr := s.deps.Mailbox.Enqueue(ctx, req.To, msg); mErr != nil {
			unprocessable(c, "route_failed")
			return
		}
		status = "mailboxed"
	default:
		unprocessable(c, "route_failed")
		return
	}

	if s.deps.Threads != nil {
		_ = s.deps.Threads.IndexMessage(ctx, threads.Message{
			ID:        id,
			ReplyTo:   req.ReplyTo,
			Timestamp: time.Now().UnixMilli(),
			Payload:   req.Payload,
		})
	}

	success(c, gin.H{"id": id, "to": req.To, "status": status})
}

type submitGoalRequest struct {
	Description     string          `json:"description"`
	SuccessCriteria string          `json:"success_criteria"`
	Priority        int             `json:"priority"`
	Tags            []string        `json:"tags"`
	Repo            string          `json:"repo"`
	FileHints       []string        `json:"file_hints"`
	Metadata        json.RawMessage `json:"metadata"`
	DependsOn       []string        `json:"depends_on"`
}

func (s *Server) handleSubmitGoal(c *gin.Context) {
	var req submitGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.Description == "" {
		badRequest(c, "missing_field", "description is required")
		return
	}

	g, err := s.deps.Goals.Submit(c.Request.Context(), goals.SubmitParams{
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        req.Priority,
		Source:          callerAgentID(c),
		Tags:            req.Tags,
		Repo:            req.Repo,
		FileHints:       req.FileHints,
		Metadata:        req.Metadata,
		DependsOn:       req.DependsOn,
	})
	if err != nil {
		serverError(c, err)
		return
	}
	if s.deps.Repos != nil && req.Repo != "" {
		if err := s.deps.Repos.Touch(c.Request.Context(), req.Repo); err != nil {
			logger.Warn("httpapi: repo registry touch failed", logger.FieldError, err)
		}
	}
	created(c, g)
}

func (s *Server) handleListRepos(c *gin.Context) {
	list, err := s.deps.Repos.List(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, list)
}

func (s *Server) handleGetGoal(c *gin.Context) {
	g, err := s.deps.Goals.Get(c.Request.Context(), c.Param("goal_id"))
	if err != nil {
		serverError(c, err)
		return
	}
	if g == nil {
		notFound(c, "goal_not_found")
		return
	}
	success(c, g)
}

func (s *Server) handleMailboxPoll(c *gin.Context) {
	agentID := c.Param("agent_id")
	if agentID != callerAgentID(c) {
		unauthorized(c, "forbidden")
		return
	}

	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	entries, lastSeq, err := s.deps.Mailbox.Poll(c.Request.Context(), agentID, since)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"entries": entries, "last_seq": lastSeq})
}

type mailboxAckRequest struct {
	Seq int64 `json:"seq"`
}

func (s *Server) handleMailboxAck(c *gin.Context) {
	agentID := c.Param("agent_id")
	if agentID != callerAgentID(c) {
		unauthorized(c, "forbidden")
		return
	}

	var req mailboxAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.deps.Mailbox.Ack(c.Request.Context(), agentID, req.Seq); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"acked_through": req.Seq})
}

type createTokenRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleCreateToken(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.AgentID == "" {
		badRequest(c, "missing_field", "agent_id is required")
		return
	}
	token, err := s.deps.Auth.Generate(req.AgentID)
	if err != nil {
		serverError(c, err)
		return
	}
	created(c, gin.H{"agent_id": req.AgentID, "token": token})
}

func (s *Server) handleListTokens(c *gin.Context) {
	success(c, s.deps.Auth.List())
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	agentID := c.Param("agent_id")
	if err := s.deps.Auth.Revoke(agentID); err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"agent_id": agentID, "revoked": true})
}
