// Package dispatch wires the goal backlog, task queue, classifier, and
// task router into the one background loop none of those packages provide
// on their own: decompose a dequeued goal into a task, classify its
// complexity, route it to an execution tier, enqueue it, then assign
// queued tasks to idle workers and push the assignment straight to their
// session.
//
// Same util.SafeGo-launched ticking-goroutine shape as internal/reaper
// and internal/backup: Start launches a ticker goroutine, RunOnce does
// one pass and is independently callable from tests.
package dispatch

import (
	"context"
	"time"

	"github.com/agentcom/hub/internal/classifier"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/presence"
	"github.com/agentcom/hub/internal/taskrouter"
	"github.com/agentcom/hub/internal/tasks"
	"github.com/agentcom/hub/pkg/logger"
	"github.com/agentcom/hub/pkg/util"
)

// Config controls dispatch cadence.
type Config struct {
	Interval time.Duration
}

// Dispatcher drains the goal backlog into the task queue and hands queued
// tasks to idle, capability-matching workers.
type Dispatcher struct {
	goals    *goals.Backlog
	tasks    *tasks.Queue
	presence *presence.Registry
	router   *taskrouter.Router
	cfg      Config
	cancel   context.CancelFunc
}

// New creates a Dispatcher over every task-lifecycle component.
func New(gb *goals.Backlog, tq *tasks.Queue, p *presence.Registry, tr *taskrouter.Router, cfg Config) *Dispatcher {
	return &Dispatcher{goals: gb, tasks: tq, presence: p, router: tr, cfg: cfg}
}

// Start launches the periodic dispatch loop in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	util.SafeGo(func() {
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.RunOnce(ctx)
			}
		}
	})
}

// Stop halts the dispatch loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// RunOnce drains every submitted goal into a routed, queued task, assigns
// as many queued tasks as there are idle eligible workers, and reconciles
// goals whose sole child task has finished.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	for d.decomposeOne(ctx) {
	}
	d.assignReady(ctx)
	d.reconcileGoals(ctx)
}

// decomposeOne dequeues a single submitted goal, if one is waiting, and
// turns it into a queued task. Returns false once the backlog is empty so
// RunOnce can drain it fully in one pass.
func (d *Dispatcher) decomposeOne(ctx context.Context) bool {
	g, err := d.goals.Dequeue(ctx)
	if err != nil {
		logger.Warn("dispatch: goal dequeue failed", logger.FieldError, err)
		return false
	}
	if g == nil {
		return false
	}

	result := classifier.Build(classifier.Params{
		Description: g.Description,
		FileHints:   g.FileHints,
	})
	decision := d.router.Decide(taskrouter.DecideParams{
		Tier:                 result.EffectiveTier,
		ClassificationReason: result.Source,
	})

	t, err := d.tasks.Enqueue(ctx, tasks.EnqueueParams{
		GoalID:      g.ID,
		Description: g.Description,
		Metadata:    g.Metadata,
		Priority:    g.Priority,
		Decision:    &decision,
	})
	if err != nil {
		logger.Warn("dispatch: task enqueue failed", logger.FieldError, err, logger.FieldGoalID, g.ID)
		return true
	}

	if _, err := d.goals.Transition(ctx, g.ID, goals.StatusExecuting, goals.TransitionOpts{Reason: "task enqueued"}); err != nil {
		logger.Warn("dispatch: goal transition to executing failed", logger.FieldError, err, logger.FieldGoalID, g.ID)
	}

	logger.Info("dispatch: goal decomposed",
		logger.FieldGoalID, g.ID, logger.FieldTaskID, t.ID, logger.FieldTier, decision.EffectiveTier)
	return true
}

// assignReady offers the next matching queued task to every present agent
// not already carrying one, pushing the assignment directly to that
// agent's session via its presence handle. This deliberately bypasses the
// "tasks" bus topic: a task_assign event names exactly one recipient, and
// every other session's echo-suppression check (which only compares
// against its own agent id) would never apply to it, so a shared topic
// would broadcast one worker's assignment to every connected agent.
func (d *Dispatcher) assignReady(ctx context.Context) {
	busy, err := d.busyAgents(ctx)
	if err != nil {
		logger.Warn("dispatch: list busy agents failed", logger.FieldError, err)
		return
	}

	for _, e := range d.presence.List() {
		if busy[e.AgentID] {
			continue
		}

		t, err := d.tasks.AssignNext(ctx, e.AgentID, capsOf(e.Meta))
		if err != nil {
			logger.Warn("dispatch: assign failed", logger.FieldError, err, logger.FieldAgentID, e.AgentID)
			continue
		}
		if t == nil {
			continue
		}

		if err := e.Handle.Push("push_task", taskAssignFrame(t)); err != nil {
			logger.Warn("dispatch: push_task failed",
				logger.FieldError, err, logger.FieldAgentID, e.AgentID, logger.FieldTaskID, t.ID)
		}
	}
}

func (d *Dispatcher) busyAgents(ctx context.Context) (map[string]bool, error) {
	busy := map[string]bool{}
	for _, status := range []string{tasks.StatusAssigned, tasks.StatusWorking} {
		inFlight, err := d.tasks.List(ctx, tasks.ListFilters{Status: status})
		if err != nil {
			return nil, err
		}
		for _, t := range inFlight {
			busy[t.AssignedTo] = true
		}
	}
	return busy, nil
}

// reconcileGoals advances a goal past executing once its one child task
// has finished. There is no separate verification component in this
// repo, so a completed task's goal passes straight through verifying to
// complete; a dead-lettered task fails its goal outright.
func (d *Dispatcher) reconcileGoals(ctx context.Context) {
	d.reconcileByTaskStatus(ctx, tasks.StatusComplete, func(g *goals.Goal) {
		if _, err := d.goals.Transition(ctx, g.ID, goals.StatusVerifying, goals.TransitionOpts{Reason: "task complete"}); err != nil {
			return
		}
		if _, err := d.goals.Transition(ctx, g.ID, goals.StatusComplete, goals.TransitionOpts{Reason: "task complete"}); err != nil {
			logger.Warn("dispatch: goal transition to complete failed", logger.FieldError, err, logger.FieldGoalID, g.ID)
		}
	})
	d.reconcileByTaskStatus(ctx, tasks.StatusDeadLetter, func(g *goals.Goal) {
		if _, err := d.goals.Transition(ctx, g.ID, goals.StatusFailed, goals.TransitionOpts{Reason: "task dead-lettered"}); err != nil {
			logger.Warn("dispatch: goal transition to failed failed", logger.FieldError, err, logger.FieldGoalID, g.ID)
		}
	})
}

func (d *Dispatcher) reconcileByTaskStatus(ctx context.Context, status string, onMatch func(*goals.Goal)) {
	finished, err := d.tasks.List(ctx, tasks.ListFilters{Status: status})
	if err != nil {
		logger.Warn("dispatch: list finished tasks failed", logger.FieldError, err, logger.FieldStatus, status)
		return
	}
	for _, t := range finished {
		if t.GoalID == "" {
			continue
		}
		g, err := d.goals.Get(ctx, t.GoalID)
		if err != nil || g == nil || g.Status != goals.StatusExecuting {
			continue
		}
		onMatch(g)
	}
}

func taskAssignFrame(t *tasks.Task) map[string]any {
	frame := map[string]any{
		"task_id":     t.ID,
		"description": t.Description,
		"generation":  t.Generation,
		"priority":    t.Priority,
	}
	if len(t.Metadata) > 0 {
		frame["metadata"] = t.Metadata
	}
	if t.Decision != nil {
		frame["decision"] = t.Decision
	}
	return frame
}

// capsOf reads the capability list an agent advertised at identify time
// (meta.caps), tolerating both a decoded []string and the []any shape
// json.Unmarshal produces for an any-typed field.
func capsOf(meta map[string]any) []string {
	raw, ok := meta["caps"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
