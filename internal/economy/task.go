package economy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskType selects the domain handler that executes a task.
type TaskType string

const (
	TaskGrantItem TaskType = "grant_item"
)

// TaskState is the persisted lifecycle state of a task.
//
// SCHEDULED moves to exactly one of COMPLETED or FAILED, once.
type TaskState string

const (
	TaskScheduled TaskState = "SCHEDULED"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
)

func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

func (s TaskState) Valid() bool {
	switch s {
	case TaskScheduled, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// ArgKey names a task argument. The set is fixed; the schema of Args depends
// on the task type.
type ArgKey string

const (
	ArgEntityID    ArgKey = "entity_id"
	ArgItem        ArgKey = "item"
	ArgQuantity    ArgKey = "quantity"
	ArgRequestedBy ArgKey = "requested_by"
)

func (k ArgKey) Valid() bool {
	switch k {
	case ArgEntityID, ArgItem, ArgQuantity, ArgRequestedBy:
		return true
	}
	return false
}

// ScheduledTask is a persisted action executed at ActivationTime.
type ScheduledTask struct {
	ID             string
	Tenant         TenantID
	Type           TaskType
	ActivationTime time.Time
	Args           map[ArgKey]string
	State          TaskState
	CreatedAt      time.Time
}

// Arg returns the trimmed value of an argument.
func (t ScheduledTask) Arg(k ArgKey) string {
	if t.Args == nil {
		return ""
	}
	return strings.TrimSpace(t.Args[k])
}

// IntArg parses a required integer argument.
func (t ScheduledTask) IntArg(k ArgKey) (int, error) {
	raw := t.Arg(k)
	if raw == "" {
		return 0, fmt.Errorf("argument %s is required", k)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", k, err)
	}
	return n, nil
}

// GrantArgs builds the argument map for a grant_item task.
func GrantArgs(entityID, item string, qty int, requestedBy UserID) map[ArgKey]string {
	return map[ArgKey]string{
		ArgEntityID:    entityID,
		ArgItem:        item,
		ArgQuantity:    strconv.Itoa(qty),
		ArgRequestedBy: requestedBy.String(),
	}
}
