package storage

import (
	"context"
	"errors"
	"time"

	"guildbot/internal/economy"
)

var (
	ErrTaskExists       = errors.New("storage: task already exists")
	ErrTaskNotFound     = errors.New("storage: task not found")
	ErrTaskNotScheduled = errors.New("storage: task is not scheduled")
	ErrInvalid          = errors.New("storage: invalid record")
	ErrClosed           = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Tx is the write surface of one economy transaction. Each call reports
// whether the staged write was accepted; a false result is expected to make
// the body return false so nothing is committed.
type Tx interface {
	// AddHolding adds qty of item to the entity. It refuses unknown entities
	// or items, a zero qty and a resulting negative balance.
	AddHolding(entityID, item string, qty int) bool
	// AppendLedger appends an audit row. Only one row per task id is allowed.
	AppendLedger(rec economy.LedgerRecord) bool
}

// Store is the persistence API used by the scheduler, the selection flow and
// command handlers. Every read and write is scoped to a tenant.
type Store interface {
	// ActiveEntities lists the user's active entities in creation order.
	ActiveEntities(ctx context.Context, tenant economy.TenantID, user economy.UserID) ([]economy.Entity, error)
	Entity(ctx context.Context, tenant economy.TenantID, id string) (economy.Entity, bool, error)
	Item(ctx context.Context, tenant economy.TenantID, name string) (economy.Item, bool, error)

	// RunTransaction runs body and commits its writes only when body returns
	// true and no write failed. committed reports the outcome; err is set only
	// for backend failures.
	RunTransaction(ctx context.Context, tenant economy.TenantID, body func(Tx) bool) (committed bool, err error)
	// TaskApplied reports whether a ledger row already references taskID.
	TaskApplied(ctx context.Context, tenant economy.TenantID, taskID string) (bool, error)

	CreateTask(ctx context.Context, task economy.ScheduledTask) error
	// TasksByState returns tasks ordered by activation time.
	TasksByState(ctx context.Context, tenant economy.TenantID, state economy.TaskState) ([]economy.ScheduledTask, error)
	// UpdateTaskState moves a SCHEDULED task to a terminal state. Any other
	// transition returns ErrTaskNotScheduled.
	UpdateTaskState(ctx context.Context, tenant economy.TenantID, id string, state economy.TaskState) error
	Tenants(ctx context.Context) ([]economy.TenantID, error)

	PutEntity(ctx context.Context, e economy.Entity) error
	PutItem(ctx context.Context, it economy.Item) error
	Holdings(ctx context.Context, tenant economy.TenantID, entityID string) (map[string]int, error)
	Ledger(ctx context.Context, tenant economy.TenantID, entityID string) ([]economy.LedgerRecord, error)

	Close() error
}

func validateTask(t economy.ScheduledTask) error {
	switch {
	case t.ID == "":
		return errors.Join(ErrInvalid, errors.New("task id is empty"))
	case t.Tenant == "":
		return errors.Join(ErrInvalid, errors.New("task tenant is empty"))
	case t.Type == "":
		return errors.Join(ErrInvalid, errors.New("task type is empty"))
	case t.ActivationTime.IsZero():
		return errors.Join(ErrInvalid, errors.New("task activation time is zero"))
	case t.State != economy.TaskScheduled:
		return errors.Join(ErrInvalid, errors.New("new task must be SCHEDULED"))
	}
	for k := range t.Args {
		if !k.Valid() {
			return errors.Join(ErrInvalid, errors.New("unknown task argument "+string(k)))
		}
	}
	return nil
}

func validateEntity(e economy.Entity) error {
	if e.ID == "" || e.Tenant == "" {
		return errors.Join(ErrInvalid, errors.New("entity id and tenant are required"))
	}
	return nil
}

func validateLedger(r economy.LedgerRecord) bool {
	return r.EntityID != "" && r.Item != "" && r.Kind != ""
}
