// Package config loads process settings and layers a durable KV-backed
// override table on top of them.
//
// Config.Load() merges an optional config file and ENV_PREFIX-namespaced
// environment variables through viper, then runs a struct-tag reflection
// pass (`env:"X" default:"Y" min:"Z"`) to fill in anything still
// zero-valued.
// Store wraps a kvstore table so an operator can override any setting at
// runtime without a restart; a present KV key always wins over the
// env-derived default.
package config

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentcom/hub/internal/kvstore"
	"github.com/agentcom/hub/pkg/logger"
	"github.com/agentcom/hub/pkg/util"
)

// Config is the process-wide settings struct; field names correspond
// 1:1 with the environment variables named in their `env` tag.
type Config struct {
	BindAddr string `env:"BIND_ADDR" default:":8080"`
	DataDir  string `env:"DATA_DIR" default:"./data"`

	BackupDir         string `env:"BACKUP_DIR" default:"./data/backups"`
	BackupIntervalSec int    `env:"BACKUP_INTERVAL_SEC" default:"3600" min:"60"`
	BackupKeepLast    int    `env:"BACKUP_KEEP_LAST" default:"5" min:"1"`

	MailboxMaxPerAgent int `env:"MAILBOX_MAX_PER_AGENT" default:"100" min:"1"`
	MailboxTTLHours    int `env:"MAILBOX_TTL_HOURS" default:"168" min:"1"`

	OrphanThresholdSec  int `env:"ORPHAN_THRESHOLD_SEC" default:"300" min:"10"`
	ReaperIntervalSec   int `env:"REAPER_INTERVAL_SEC" default:"30" min:"5"`
	IdleTimeoutSec      int `env:"IDLE_TIMEOUT_SEC" default:"120" min:"10"`
	DispatchIntervalSec int `env:"DISPATCH_INTERVAL_SEC" default:"2" min:"1"`

	ChannelHistoryLimit int `env:"CHANNEL_HISTORY_LIMIT" default:"500" min:"1"`
	ThreadCacheSize     int `env:"THREAD_CACHE_SIZE" default:"1000" min:"1"`

	RateLimitLightCapacity  int     `env:"RATE_LIMIT_LIGHT_CAPACITY" default:"20000" min:"1000"`
	RateLimitLightRefill    float64 `env:"RATE_LIMIT_LIGHT_REFILL" default:"200" min:"1"`
	RateLimitNormalCapacity int     `env:"RATE_LIMIT_NORMAL_CAPACITY" default:"10000" min:"1000"`
	RateLimitNormalRefill   float64 `env:"RATE_LIMIT_NORMAL_REFILL" default:"100" min:"1"`
	RateLimitHeavyCapacity  int     `env:"RATE_LIMIT_HEAVY_CAPACITY" default:"3000" min:"1000"`
	RateLimitHeavyRefill    float64 `env:"RATE_LIMIT_HEAVY_REFILL" default:"20" min:"1"`

	GinMode        string `env:"GIN_MODE" default:"release"`
	TrustedProxies string `env:"TRUSTED_PROXIES" default:""`
	LogEnv         string `env:"LOG_ENV" default:""`
}

// Load merges an optional config file (config.yaml in the working
// directory, or the path in AGENTCOM_CONFIG_FILE) with ENV_PREFIX
// "AGENTCOM"-namespaced environment variables via viper, copies whatever
// viper resolved onto the matching Config fields, then runs
// util.LoadFromEnv so any field viper left zero-valued still gets its
// tag-declared default.
func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if p := util.EnvStr("AGENTCOM_CONFIG_FILE", ""); p != "" {
		v.SetConfigFile(p)
	}
	v.SetEnvPrefix("AGENTCOM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			logger.Warn("config: read config file failed", logger.FieldError, err)
		}
	}

	cfg := &Config{}
	bindViperFields(v, cfg)
	util.LoadFromEnv(cfg)
	return cfg
}

// bindViperFields copies every viper key matching a Config field's env tag
// onto that field, ahead of the LoadFromEnv defaulting pass.
func bindViperFields(v *viper.Viper, cfg *Config) {
	set := func(key string, apply func(string)) {
		if !v.IsSet(key) {
			return
		}
		apply(v.GetString(key))
	}

	set("bind_addr", func(s string) { cfg.BindAddr = s })
	set("data_dir", func(s string) { cfg.DataDir = s })
	set("backup_dir", func(s string) { cfg.BackupDir = s })
	set("backup_interval_sec", func(s string) { cfg.BackupIntervalSec, _ = strconv.Atoi(s) })
	set("backup_keep_last", func(s string) { cfg.BackupKeepLast, _ = strconv.Atoi(s) })
	set("mailbox_max_per_agent", func(s string) { cfg.MailboxMaxPerAgent, _ = strconv.Atoi(s) })
	set("mailbox_ttl_hours", func(s string) { cfg.MailboxTTLHours, _ = strconv.Atoi(s) })
	set("orphan_threshold_sec", func(s string) { cfg.OrphanThresholdSec, _ = strconv.Atoi(s) })
	set("reaper_interval_sec", func(s string) { cfg.ReaperIntervalSec, _ = strconv.Atoi(s) })
	set("idle_timeout_sec", func(s string) { cfg.IdleTimeoutSec, _ = strconv.Atoi(s) })
	set("dispatch_interval_sec", func(s string) { cfg.DispatchIntervalSec, _ = strconv.Atoi(s) })
	set("channel_history_limit", func(s string) { cfg.ChannelHistoryLimit, _ = strconv.Atoi(s) })
	set("thread_cache_size", func(s string) { cfg.ThreadCacheSize, _ = strconv.Atoi(s) })
	set("rate_limit_light_capacity", func(s string) { cfg.RateLimitLightCapacity, _ = strconv.Atoi(s) })
	set("rate_limit_light_refill", func(s string) { cfg.RateLimitLightRefill, _ = strconv.ParseFloat(s, 64) })
	set("rate_limit_normal_capacity", func(s string) { cfg.RateLimitNormalCapacity, _ = strconv.Atoi(s) })
	set("rate_limit_normal_refill", func(s string) { cfg.RateLimitNormalRefill, _ = strconv.ParseFloat(s, 64) })
	set("rate_limit_heavy_capacity", func(s string) { cfg.RateLimitHeavyCapacity, _ = strconv.Atoi(s) })
	set("rate_limit_heavy_refill", func(s string) { cfg.RateLimitHeavyRefill, _ = strconv.ParseFloat(s, 64) })
	set("gin_mode", func(s string) { cfg.GinMode = s })
	set("trusted_proxies", func(s string) { cfg.TrustedProxies = s })
	set("log_env", func(s string) { cfg.LogEnv = s })
}

// MailboxTTL converts MailboxTTLHours to a time.Duration.
func (c *Config) MailboxTTL() time.Duration {
	return time.Duration(c.MailboxTTLHours) * time.Hour
}

// OrphanThreshold converts OrphanThresholdSec to a time.Duration.
func (c *Config) OrphanThreshold() time.Duration {
	return time.Duration(c.OrphanThresholdSec) * time.Second
}

// ReaperInterval converts ReaperIntervalSec to a time.Duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}

// IdleTimeout converts IdleTimeoutSec to a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// DispatchInterval converts DispatchIntervalSec to a time.Duration.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSec) * time.Second
}

// BackupInterval converts BackupIntervalSec to a time.Duration.
func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.BackupIntervalSec) * time.Second
}

// Store is the durable runtime-override layer: a KV table where a present
// key always overrides Config's env-derived default. fields is built once
// at startup from cfg's current
// values so Get has something to fall back to for a key nobody has
// overridden yet.
type Store struct {
	store  *kvstore.Store
	cfg    *Config
	fields map[string]string
}

// NewStore builds a Store over an opened kvstore table, snapshotting cfg's
// current field values as the fallback lookup table.
func NewStore(store *kvstore.Store, cfg *Config) *Store {
	return &Store{store: store, cfg: cfg, fields: snapshotFields(cfg)}
}

func snapshotFields(cfg *Config) map[string]string {
	return map[string]string{
		"bind_addr":             cfg.BindAddr,
		"data_dir":              cfg.DataDir,
		"backup_dir":            cfg.BackupDir,
		"backup_interval_sec":   strconv.Itoa(cfg.BackupIntervalSec),
		"backup_keep_last":      strconv.Itoa(cfg.BackupKeepLast),
		"mailbox_max_per_agent": strconv.Itoa(cfg.MailboxMaxPerAgent),
		"mailbox_ttl_hours":     strconv.Itoa(cfg.MailboxTTLHours),
		"orphan_threshold_sec":  strconv.Itoa(cfg.OrphanThresholdSec),
		"reaper_interval_sec":   strconv.Itoa(cfg.ReaperIntervalSec),
		"idle_timeout_sec":      strconv.Itoa(cfg.IdleTimeoutSec),
		"dispatch_interval_sec": strconv.Itoa(cfg.DispatchIntervalSec),
		"channel_history_limit": strconv.Itoa(cfg.ChannelHistoryLimit),
		"thread_cache_size":     strconv.Itoa(cfg.ThreadCacheSize),
		"gin_mode":              cfg.GinMode,
		"trusted_proxies":       cfg.TrustedProxies,
	}
}

// Get returns key's current effective value: the KV table's override if
// present, else the env-derived default captured at startup.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if v == nil {
		return s.fields[key], nil
	}
	return string(v), nil
}

// Set durably overrides key, taking effect on the next Get (and, for
// fields read once at startup like BindAddr, only after a restart).
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.store.Put(ctx, key, []byte(value))
}
