// Package httpapi implements the HTTP surface: health, agent listing,
// message submission, mailbox polling, token administration, the
// WebSocket upgrade, and a debug/events SSE stream. The engine is built
// with gin.New() + gin.Recovery(); the SSE bridge subscribes straight to
// bus.Bus rather than a bespoke fan-out type.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/repos"
	"github.com/agentcom/hub/internal/session"
	"github.com/agentcom/hub/pkg/logger"
)

// maxConnections caps concurrent WebSocket sessions ahead of the upgrade.
const maxConnections = 1000

// Deps collects every component the HTTP surface and the sessions it
// upgrades need. It embeds session.Deps so both layers share one set of
// wiring at startup.
type Deps struct {
	session.Deps
	Goals          *goals.Backlog
	Repos          *repos.Registry
	GinMode        string
	TrustedProxies string
}

// Server is the gin-based HTTP surface.
type Server struct {
	router *gin.Engine
	deps   Deps
	bus    *bus.Bus

	upgrader websocket.Upgrader

	conns  atomic.Int64
	nextID atomic.Int64
}

// New builds a Server and registers every route.
func New(deps Deps) *Server {
	mode := deps.GinMode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)
	r := gin.New()
	r.Use(gin.Recovery())

	var proxies []string
	for _, p := range strings.Split(deps.TrustedProxies, ",") {
		if t := strings.TrimSpace(p); t != "" {
			proxies = append(proxies, t)
		}
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn("httpapi: set trusted proxies failed", logger.FieldError, err)
	}

	s := &Server{
		router: r,
		deps:   deps,
		bus:    deps.Bus,
		upgrader: websocket.Upgrader{
			// Sidecars connect from arbitrary hosts with no browser
			// same-origin policy in play; identity is established by
			// the wire protocol's identify frame, not by Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine, e.g. for tests.
func (s *Server) Engine() *gin.Engine { return s.router }

// ListenAndServe starts the HTTP server and shuts it down when ctx is
// cancelled, giving in-flight requests 5 seconds to complete.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("httpapi: shutdown trigger")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("httpapi: shutdown error", logger.FieldError, err)
		}
	}()

	logger.Info("httpapi: listening", logger.FieldPath, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
