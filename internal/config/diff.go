package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guildbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields
// describing them. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if StorageDriver(oldCfg.Storage) != StorageDriver(newCfg.Storage) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", StorageDriver(newCfg.Storage)))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.max_in_flight", newCfg.Scheduler.MaxInFlight),
		)
	}
	if oldCfg.Selection != newCfg.Selection {
		changed = append(changed, "selection")
		attrs = append(attrs, logx.String("selection.session_ttl", newCfg.Selection.SessionTTL))
	}
	if on, nn := oldCfg.NotifierOrDefault(), newCfg.NotifierOrDefault(); on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Tenants, newCfg.Tenants) {
		changed = append(changed, "tenants")
		attrs = append(attrs, logx.Int("tenants.count", len(newCfg.Tenants)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "scheduler", "selection":
			out = append(out, s)
		}
	}
	return out
}
