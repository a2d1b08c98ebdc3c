package notifier

import (
	"strconv"
	"time"

	"guildbot/internal/economy"
	kit "guildbot/internal/transport"
)

// Role names a tenant channel.
type Role string

const (
	RoleEconomy Role = "economy"
	RoleLog     Role = "log"
)

// Event types published on the bus.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDropped = "notifier.dropped"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Tenants Directory
}

// Route is where a tenant's notices go. Threads maps a role to a forum
// thread; a missing role falls back to RoleLog, then to the main chat.
type Route struct {
	ChatID  int64
	Threads map[Role]int
}

// Directory maps tenants to routes.
type Directory map[economy.TenantID]Route

// Resolve returns the chat target for (tenant, role). A tenant without an
// entry whose id is a numeric chat id posts to that chat's main thread.
func (d Directory) Resolve(tenant economy.TenantID, role Role) (kit.ChatTarget, bool) {
	r, ok := d[tenant]
	if !ok {
		id, err := strconv.ParseInt(string(tenant), 10, 64)
		if err != nil || id == 0 {
			return kit.ChatTarget{}, false
		}
		return kit.ChatTarget{ChatID: id}, true
	}
	if r.ChatID == 0 {
		return kit.ChatTarget{}, false
	}
	thread, ok := r.Threads[role]
	if !ok {
		thread = r.Threads[RoleLog]
	}
	return kit.ChatTarget{ChatID: r.ChatID, ThreadID: thread}, true
}

type HistoryItem struct {
	At     time.Time
	Tenant economy.TenantID
	Role   Role
	Text   string
}

// NotificationEvent is the bus payload for notifier events.
type NotificationEvent struct {
	Tenant   string `json:"tenant"`
	Role     string `json:"role"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Error    string `json:"error,omitempty"`
}
