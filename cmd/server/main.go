// cmd/server wires every component in dependency order (KV store, backup
// supervisor, auth, config, rate limiter, presence, mailbox, channels,
// threads, router, goal backlog, task queue, taskrouter, reaper,
// dispatcher, session deps, HTTP surface) and runs the hub until
// SIGINT/SIGTERM. The dispatcher is what turns the goal backlog and task
// queue from standalone stores into the running task-dispatch pipeline:
// it drains submitted goals into classified, routed, queued tasks and
// assigns them to idle workers.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentcom/hub/internal/auth"
	"github.com/agentcom/hub/internal/backup"
	"github.com/agentcom/hub/internal/bus"
	"github.com/agentcom/hub/internal/channels"
	"github.com/agentcom/hub/internal/config"
	"github.com/agentcom/hub/internal/dispatch"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/httpapi"
	"github.com/agentcom/hub/internal/kvstore"
	"github.com/agentcom/hub/internal/mailbox"
	"github.com/agentcom/hub/internal/presence"
	"github.com/agentcom/hub/internal/ratelimit"
	"github.com/agentcom/hub/internal/reaper"
	"github.com/agentcom/hub/internal/repos"
	"github.com/agentcom/hub/internal/router"
	"github.com/agentcom/hub/internal/session"
	"github.com/agentcom/hub/internal/taskrouter"
	"github.com/agentcom/hub/internal/tasks"
	"github.com/agentcom/hub/internal/threads"
	"github.com/agentcom/hub/pkg/logger"
	"github.com/agentcom/hub/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogEnv)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir failed", logger.FieldError, err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		logger.Fatal("create backup dir failed", logger.FieldError, err)
	}

	eventBus := bus.New()

	backupSup := backup.New(cfg.BackupDir, cfg.BackupInterval(), cfg.BackupKeepLast)

	mailboxPath := filepath.Join(cfg.DataDir, "mailbox", "mailbox.db")
	channelsPath := filepath.Join(cfg.DataDir, "channels", "channels.db")
	threadsPath := filepath.Join(cfg.DataDir, "threads", "threads.db")
	goalsPath := filepath.Join(cfg.DataDir, "goal_backlog", "goals.db")
	tasksPath := filepath.Join(cfg.DataDir, "task_queue", "tasks.db")
	configPath := filepath.Join(cfg.DataDir, "config", "config.db")
	reposPath := filepath.Join(cfg.DataDir, "repo_registry", "repos.db")
	tokensPath := filepath.Join(cfg.DataDir, "tokens.json")

	for _, dir := range []string{
		filepath.Dir(mailboxPath), filepath.Dir(channelsPath), filepath.Dir(threadsPath),
		filepath.Dir(goalsPath), filepath.Dir(tasksPath), filepath.Dir(configPath),
		filepath.Dir(reposPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("create table dir failed", logger.FieldPath, dir, logger.FieldError, err)
		}
	}

	mailboxStore := mustOpen(mailboxPath, "mailbox", backupSup)
	channelsStore := mustOpen(channelsPath, "channels", backupSup)
	threadsStore := mustOpen(threadsPath, "threads", backupSup)
	goalsStore := mustOpen(goalsPath, "goals", backupSup)
	tasksStore := mustOpen(tasksPath, "tasks", backupSup)
	configStore := mustOpen(configPath, "config", backupSup)
	reposStore := mustOpen(reposPath, "repo_registry", backupSup)
	defer reposStore.Close()
	defer mailboxStore.Close()
	defer channelsStore.Close()
	defer threadsStore.Close()
	defer goalsStore.Close()
	defer tasksStore.Close()
	defer configStore.Close()

	authStore, err := auth.Load(tokensPath)
	if err != nil {
		logger.Fatal("auth.Load failed", logger.FieldError, err)
	}

	cfgStore := config.NewStore(configStore, cfg)
	_ = cfgStore // not passed to any other component

	rateLimiter := ratelimit.New(map[string]ratelimit.TierConfig{
		"light":  {CapacityUnits: int64(cfg.RateLimitLightCapacity), RefillPerMS: cfg.RateLimitLightRefill},
		"normal": {CapacityUnits: int64(cfg.RateLimitNormalCapacity), RefillPerMS: cfg.RateLimitNormalRefill},
		"heavy":  {CapacityUnits: int64(cfg.RateLimitHeavyCapacity), RefillPerMS: cfg.RateLimitHeavyRefill},
	})

	presenceRegistry := presence.New(eventBus)

	mb, err := mailbox.New(ctx, mailboxStore, cfg.MailboxMaxPerAgent, cfg.MailboxTTL())
	if err != nil {
		logger.Fatal("mailbox.New failed", logger.FieldError, err)
	}
	startMailboxEvictionLoop(ctx, mb)

	chans, err := channels.New(ctx, channelsStore, eventBus, cfg.ChannelHistoryLimit)
	if err != nil {
		logger.Fatal("channels.New failed", logger.FieldError, err)
	}

	threadIndex, err := threads.New(threadsStore, cfg.ThreadCacheSize)
	if err != nil {
		logger.Fatal("threads.New failed", logger.FieldError, err)
	}

	msgRouter := router.New(presenceRegistry, eventBus)

	goalBacklog, err := goals.New(ctx, goalsStore, eventBus)
	if err != nil {
		logger.Fatal("goals.New failed", logger.FieldError, err)
	}

	taskQueue, err := tasks.New(ctx, tasksStore, eventBus)
	if err != nil {
		logger.Fatal("tasks.New failed", logger.FieldError, err)
	}

	taskRouter, err := taskrouter.New()
	if err != nil {
		logger.Fatal("taskrouter.New failed", logger.FieldError, err)
	}

	r := reaper.New(presenceRegistry, taskQueue, reaper.Config{
		Interval:        cfg.ReaperInterval(),
		IdleTimeout:     cfg.IdleTimeout(),
		OrphanThreshold: cfg.OrphanThreshold(),
	})
	r.Start(ctx)
	defer r.Stop()

	dsp := dispatch.New(goalBacklog, taskQueue, presenceRegistry, taskRouter, dispatch.Config{
		Interval: cfg.DispatchInterval(),
	})
	dsp.Start(ctx)
	defer dsp.Stop()

	backupSup.Start(ctx)
	defer backupSup.Stop()

	deps := session.Deps{
		Auth:      authStore,
		Presence:  presenceRegistry,
		Router:    msgRouter,
		Mailbox:   mb,
		Channels:  chans,
		Threads:   threadIndex,
		RateLimit: rateLimiter,
		Tasks:     taskQueue,
		Bus:       eventBus,
	}

	srv := httpapi.New(httpapi.Deps{
		Deps:           deps,
		Goals:          goalBacklog,
		Repos:          repos.New(reposStore),
		GinMode:        cfg.GinMode,
		TrustedProxies: cfg.TrustedProxies,
	})

	util.SafeGo(func() {
		if err := srv.ListenAndServe(ctx, cfg.BindAddr); err != nil {
			logger.Fatal("httpapi server failed", logger.FieldError, err)
		}
	})

	logger.Info("agentcom hub started", logger.FieldPath, cfg.BindAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	time.Sleep(50 * time.Millisecond) // let ListenAndServe's own shutdown path drain
}

// startMailboxEvictionLoop runs mailbox.Sweep on an hourly timer — the
// single eviction entrypoint.
func startMailboxEvictionLoop(ctx context.Context, mb *mailbox.Mailbox) {
	util.SafeGo(func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := mb.Sweep(ctx); err != nil {
					logger.Warn("mailbox: eviction sweep failed", logger.FieldError, err)
				} else if n > 0 {
					logger.Info("mailbox: evicted expired entries", logger.FieldCount, n)
				}
			}
		}
	})
}

// mustOpen opens a kvstore table, registers it with the backup supervisor,
// and wires its corruption handler to the supervisor's escalation path.
func mustOpen(path, table string, sup *backup.Supervisor) *kvstore.Store {
	store, err := kvstore.Open(path, table)
	if err != nil {
		logger.Fatal("kvstore.Open failed", logger.FieldTable, table, logger.FieldError, err)
	}
	store.OnCorruption(func(tbl, reason string) {
		sup.NotifyCorruption(tbl, reason)
	})
	sup.RegisterTable(table, path, store)
	return store
}
