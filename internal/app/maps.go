package app

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"guildbot/internal/config"
	"guildbot/internal/economy"
	"guildbot/internal/notifier"
	"guildbot/internal/selection"
	"guildbot/internal/storage"
	"guildbot/internal/task/scheduler"
	logx "guildbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logChat parses telegram.group_log. An empty or malformed value yields 0,
// which clears the log target.
func logChat(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := config.StorageDriver(sc)
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "sqlite":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Timezone:    strings.TrimSpace(cfg.Scheduler.Timezone),
		MaxInFlight: cfg.Scheduler.MaxInFlight,
	}
}

func mapSelectionConfig(cfg *config.Config) (selection.Config, error) {
	ttl, err := config.ParseDurationOrDefault("selection.session_ttl", cfg.Selection.SessionTTL, selection.DefaultTTL)
	if err != nil {
		return selection.Config{}, err
	}
	return selection.Config{TTL: ttl, MaxSessions: cfg.Selection.MaxSessions}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.NotifierOrDefault()
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Tenants:       tenantDirectory(cfg),
	}, nil
}

func tenantDirectory(cfg *config.Config) notifier.Directory {
	dir := make(notifier.Directory, len(cfg.Tenants))
	for id, t := range cfg.Tenants {
		threads := make(map[notifier.Role]int, len(t.Channels))
		for role, thread := range t.Channels {
			threads[notifier.Role(strings.ToLower(strings.TrimSpace(role)))] = thread
		}
		dir[economy.TenantID(id)] = notifier.Route{ChatID: t.ChatID, Threads: threads}
	}
	return dir
}

func tenantsByChat(cfg *config.Config) map[int64]economy.TenantID {
	out := make(map[int64]economy.TenantID, len(cfg.Tenants))
	for id, t := range cfg.Tenants {
		out[t.ChatID] = economy.TenantID(id)
	}
	return out
}

// recoveryTenants merges stored tenants with configured ones, sorted, so a
// configured tenant without rows yet is still scanned.
func recoveryTenants(stored []economy.TenantID, cfg *config.Config) []economy.TenantID {
	set := make(map[economy.TenantID]struct{}, len(stored)+len(cfg.Tenants))
	for _, t := range stored {
		set[t] = struct{}{}
	}
	for id := range cfg.Tenants {
		set[economy.TenantID(id)] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}
