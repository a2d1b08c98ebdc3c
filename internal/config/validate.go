package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Validate checks values the strict decoder cannot. All problems are reported
// together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	switch StorageDriver(cfg.Storage) {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
		_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Scheduler.MaxInFlight < 0 {
		add(errors.New("scheduler.max_in_flight: must be >= 0"))
	}

	_, err = ParseDurationField("selection.session_ttl", cfg.Selection.SessionTTL)
	add(err)
	if cfg.Selection.MaxSessions < 0 {
		add(errors.New("selection.max_sessions: must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		_, err := ParseDurationField("notifier.retry_base", n.RetryBase)
		add(err)
		_, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
		add(err)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			add(errors.New("notifier: numeric settings must be >= 0"))
		}
	}

	ids := make([]string, 0, len(cfg.Tenants))
	for id := range cfg.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := cfg.Tenants[id]
		if strings.TrimSpace(id) == "" {
			add(errors.New("tenants: empty tenant id"))
		}
		if t.ChatID == 0 {
			add(fmt.Errorf("tenants.%s.chat_id: required", id))
		}
		for role, thread := range t.Channels {
			if strings.TrimSpace(role) == "" || thread < 0 {
				add(fmt.Errorf("tenants.%s.channels: invalid entry %q=%d", id, role, thread))
			}
		}
	}
	return errors.Join(errs...)
}

// StorageDriver returns the normalized driver name; empty selects memory.
func StorageDriver(s StorageConfig) string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	switch d {
	case "", "mem":
		return "memory"
	case "sqlite3":
		return "sqlite"
	}
	return d
}
