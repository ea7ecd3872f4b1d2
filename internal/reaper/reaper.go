// Package reaper implements the periodic sweep for stale sessions and
// orphaned task assignments. It is the background loop that closes the
// loops the happy path misses: a worker that vanished mid-task, or a
// connection that stopped pinging.
//
// Same util.SafeGo-launched ticking-goroutine shape as internal/backup;
// golang.org/x/time/rate paces the session sweep so a large presence table
// isn't all evaluated in one tight loop; task reclamation is a single
// ReclaimStale call per pass.
package reaper

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentcom/hub/internal/presence"
	"github.com/agentcom/hub/internal/tasks"
	"github.com/agentcom/hub/pkg/logger"
	"github.com/agentcom/hub/pkg/util"
)

// closer is implemented by session handles that can be forcibly
// disconnected. Presence's SessionHandle doesn't require it, so sweeping
// degrades gracefully (unregister only) for a handle that lacks it.
type closer interface {
	Close() error
}

// Config controls sweep thresholds and cadence.
type Config struct {
	Interval        time.Duration // how often a sweep pass runs
	IdleTimeout     time.Duration // presence entries idle longer than this are reaped
	OrphanThreshold time.Duration // tasks stalled longer than this are reclaimed
}

// Reaper periodically evicts idle sessions and reclaims orphaned tasks.
type Reaper struct {
	presence *presence.Registry
	tasks    *tasks.Queue
	cfg      Config
	limiter  *rate.Limiter
	now      func() time.Time
	cancel   context.CancelFunc
}

// New creates a Reaper over the given presence registry and task queue.
func New(p *presence.Registry, q *tasks.Queue, cfg Config) *Reaper {
	return &Reaper{
		presence: p,
		tasks:    q,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(10*time.Millisecond), 1),
		now:      time.Now,
	}
}

// Start launches the periodic sweep loop in the background.
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	util.SafeGo(func() {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	})
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Sweep runs one pass: reap idle sessions, then reclaim orphaned tasks.
// Background sweeps never surface errors to a caller; they log and
// continue, same as the backup supervisor's timer loop.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepSessions(ctx)
	r.sweepTasks(ctx)
}

func (r *Reaper) sweepSessions(ctx context.Context) {
	for _, e := range r.presence.List() {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		idleFor := r.now().Sub(time.UnixMilli(e.LastSeenMS))
		if idleFor <= r.cfg.IdleTimeout {
			continue
		}

		if c, ok := e.Handle.(closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("reaper: closing idle session failed",
					logger.FieldAgentID, e.AgentID,
					logger.FieldError, err,
				)
			}
		}
		r.presence.Unregister(e.AgentID)
		logger.Info("reaper: reaped idle session",
			logger.FieldAgentID, e.AgentID,
			"idle_ms", idleFor.Milliseconds(),
		)
	}
}

func (r *Reaper) sweepTasks(ctx context.Context) {
	n, err := r.tasks.ReclaimStale(ctx, r.presence.Present, r.cfg.OrphanThreshold)
	if err != nil {
		logger.Warn("reaper: task reclamation sweep failed", logger.FieldError, err)
		return
	}
	if n > 0 {
		logger.Info("reaper: reclaimed orphaned tasks", "count", n)
	}
}
