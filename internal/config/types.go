package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Selection SelectionConfig `json:"selection"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Tenants maps a tenant id to its chat and channel roles.
	Tenants map[string]TenantConfig `json:"tenants"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/guildbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the deferred task scheduler.
//
// MaxInFlight caps handlers executing at once; 0 leaves it unbounded.
// RecoverOnStart is a pointer so an omitted key means true.
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	Timezone       string `json:"timezone,omitempty"`
	MaxInFlight    int    `json:"max_in_flight,omitempty"`
	RecoverOnStart *bool  `json:"recover_on_start,omitempty"`
}

// SelectionConfig controls the multi-target selection flow.
type SelectionConfig struct {
	SessionTTL  string `json:"session_ttl,omitempty"` // default "1m"
	MaxSessions int    `json:"max_sessions,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// TenantConfig binds a tenant to its group chat. Channels maps a channel role
// ("economy", "log") to a forum thread id; 0 posts to the main chat.
type TenantConfig struct {
	ChatID   int64          `json:"chat_id"`
	Channels map[string]int `json:"channels,omitempty"`
}

// RecoverEnabled reports the effective recover_on_start value.
func (c SchedulerConfig) RecoverEnabled() bool {
	return c.RecoverOnStart == nil || *c.RecoverOnStart
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     512,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
}

// NotifierOrDefault returns the configured notifier section or the defaults.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}
