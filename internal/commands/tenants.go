package commands

import (
	"strconv"
	"sync/atomic"

	"guildbot/internal/economy"
)

// Tenants maps group chats to tenant ids. A chat without a configured tenant
// is its own tenant, named by its decimal chat id.
type Tenants struct {
	byChat atomic.Pointer[map[int64]economy.TenantID]
}

func NewTenants(byChat map[int64]economy.TenantID) *Tenants {
	t := &Tenants{}
	t.Set(byChat)
	return t
}

// Set swaps the mapping; used on config reload.
func (t *Tenants) Set(byChat map[int64]economy.TenantID) {
	m := make(map[int64]economy.TenantID, len(byChat))
	for k, v := range byChat {
		m[k] = v
	}
	t.byChat.Store(&m)
}

func (t *Tenants) Resolve(chatID int64) economy.TenantID {
	if m := t.byChat.Load(); m != nil {
		if id, ok := (*m)[chatID]; ok {
			return id
		}
	}
	return economy.TenantID(strconv.FormatInt(chatID, 10))
}
