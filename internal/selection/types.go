package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildbot/internal/economy"
)

const (
	DefaultTTL         = time.Minute
	DefaultMaxSessions = 1024
)

var (
	// ErrNoActiveEntity is wrapped by *NoActiveEntityError.
	ErrNoActiveEntity = errors.New("selection: no active entity")
	ErrNoTargets      = errors.New("selection: no targets")
)

// NoActiveEntityError names the target user that has nothing to act on.
type NoActiveEntityError struct {
	User economy.UserID
}

func (e *NoActiveEntityError) Error() string {
	return fmt.Sprintf("selection: user %s has no active entity", e.User)
}

func (e *NoActiveEntityError) Unwrap() error { return ErrNoActiveEntity }

// EntitySource is the slice of the store the flow reads.
type EntitySource interface {
	ActiveEntities(ctx context.Context, tenant economy.TenantID, user economy.UserID) ([]economy.Entity, error)
}

type Config struct {
	TTL         time.Duration
	MaxSessions int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	return c
}

// Completed is handed to a Completion once every target is resolved.
type Completed struct {
	Token     string
	Tenant    economy.TenantID
	Requester economy.UserID
	Selected  []economy.Entity
	Source    *economy.Entity
	Context   any
}

// Completion runs when an interactive session finishes. It is not called
// when Resolve returns the entities directly.
type Completion func(ctx context.Context, c Completed)

type Request struct {
	Tenant     economy.TenantID
	Targets    []economy.UserID
	Source     *economy.Entity
	Context    any
	Requester  economy.UserID
	OnComplete Completion
}

type Option struct {
	EntityID string
	Label    string
}

// Prompt is the menu for the current ambiguous target.
type Prompt struct {
	Token     string
	Tenant    economy.TenantID
	Target    economy.UserID
	Options   []Option
	Chosen    string
	Remaining int // ambiguous targets after this one
}

// Result holds either the resolved entities or the first prompt, never both.
type Result struct {
	Resolved []economy.Entity
	Prompt   *Prompt
}

func (r Result) Interactive() bool { return r.Prompt != nil }

type ResponseKind int

const (
	Expired ResponseKind = iota
	Forbidden
	Ack
	Next
	Done
)

func (k ResponseKind) String() string {
	switch k {
	case Expired:
		return "expired"
	case Forbidden:
		return "forbidden"
	case Ack:
		return "ack"
	case Next:
		return "next"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Response is the outcome of a select or confirm event.
//
// Prompt is set for Next, and for Ack when a choice was recorded so the menu
// can be redrawn. Selected is set for Done.
type Response struct {
	Kind     ResponseKind
	Prompt   *Prompt
	Selected []economy.Entity
}
