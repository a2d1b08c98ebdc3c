// Package economy holds the shared game-economy types: tenants, entities,
// items, ledger records and deferred tasks.
package economy

import (
	"strconv"
	"strings"
	"time"
)

// TenantID identifies a community (one Telegram group chat).
type TenantID string

// UserID is a chat platform user id.
type UserID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// ParseUserID parses a decimal user id.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return UserID(n), nil
}

// Entity is a user-owned game object (a character) that actions target.
type Entity struct {
	ID     string
	Tenant TenantID
	Owner  UserID
	Name   string
	Active bool
}

// Item is a tenant-configured item definition.
type Item struct {
	Tenant      TenantID
	Name        string
	Description string
}

// LedgerKind tags ledger records.
type LedgerKind string

const (
	LedgerGrant LedgerKind = "grant"
)

// LedgerRecord is an append-only audit row for an economy mutation.
// TaskID is set when the mutation was performed by a deferred task.
type LedgerRecord struct {
	Tenant   TenantID
	EntityID string
	TaskID   string
	Kind     LedgerKind
	Item     string
	Quantity int
	Note     string
	At       time.Time
}
