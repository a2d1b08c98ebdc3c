package scheduler

import (
	"context"
	"errors"
	"time"

	"guildbot/internal/economy"
	"guildbot/internal/notifier"
	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

var (
	ErrUnknownType = errors.New("scheduler: no handler for task type")
	ErrDisabled    = errors.New("scheduler disabled")
)

// Config controls the scheduler.
//
// MaxInFlight bounds handlers executing at once (sleeping workers are not
// counted); 0 leaves it unbounded.
type Config struct {
	Enabled     bool
	Timezone    string // IANA TZ used by ParseActivation, e.g. "Asia/Jakarta"
	MaxInFlight int
	HistorySize int
}

// Status is the closed set of handler results.
type Status int

const (
	// Completed records COMPLETED.
	Completed Status = iota + 1
	// Failed is a transaction that did not commit; records FAILED.
	Failed
	// Missing is a precondition failure found before any write; records FAILED.
	Missing
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// State maps a handler status to the persisted terminal state.
func (s Status) State() economy.TaskState {
	if s == Completed {
		return economy.TaskCompleted
	}
	return economy.TaskFailed
}

// Outcome is what a handler reports. Notice is posted to the tenant's
// economy channel after the state is recorded; empty posts nothing.
type Outcome struct {
	Status Status
	Notice string
}

// Env is what a handler may use.
type Env struct {
	Store     storage.Store
	Log       logx.Logger
	Scheduler *Service
}

// Handler executes one task type. A returned error (or a panic) marks the
// task FAILED and is only logged.
type Handler func(ctx context.Context, env Env, task economy.ScheduledTask) (Outcome, error)

// Notifier is the notification gateway. Errors are logged and ignored.
type Notifier interface {
	Post(ctx context.Context, tenant economy.TenantID, role notifier.Role, text string) error
}

// HistoryItem records one finished task.
type HistoryItem struct {
	ID       string
	Tenant   economy.TenantID
	Type     economy.TaskType
	State    economy.TaskState
	Due      time.Time
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Snapshot is an operational view of the scheduler.
type Snapshot struct {
	Enabled     bool
	Timezone    string
	Queued      int
	InFlight    int
	MaxInFlight int
	Completed   uint64
	Failed      uint64
	Abandoned   uint64
	Types       []economy.TaskType
	History     []HistoryItem
}
