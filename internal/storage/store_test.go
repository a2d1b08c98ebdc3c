package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/economy"
	logx "guildbot/pkg/logx"
)

const tenant = economy.TenantID("guild-1")

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}, logx.Nop())
	require.NoError(t, err)
	mem, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func seed(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutItem(ctx, economy.Item{Tenant: tenant, Name: "Potion", Description: "heals"}))
	for _, e := range []economy.Entity{
		{ID: "e2", Tenant: tenant, Owner: 7, Name: "Bea", Active: true},
		{ID: "e1", Tenant: tenant, Owner: 7, Name: "Ash", Active: true},
		{ID: "e3", Tenant: tenant, Owner: 7, Name: "Old", Active: false},
		{ID: "e4", Tenant: tenant, Owner: 8, Name: "Cy", Active: true},
	} {
		require.NoError(t, st.PutEntity(ctx, e))
	}
}

func TestActiveEntitiesCreationOrder(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st)
			got, err := st.ActiveEntities(context.Background(), tenant, 7)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "e2", got[0].ID)
			assert.Equal(t, "e1", got[1].ID)

			none, err := st.ActiveEntities(context.Background(), "other", 7)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestItemLookupIgnoresCase(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st)
			it, ok, err := st.Item(context.Background(), tenant, "potion")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Potion", it.Name)

			_, ok, err = st.Item(context.Background(), tenant, "Elixir")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st)

			committed, err := st.RunTransaction(ctx, tenant, func(tx Tx) bool {
				return tx.AddHolding("e1", "potion", 3) &&
					tx.AppendLedger(economy.LedgerRecord{EntityID: "e1", TaskID: "t1", Kind: economy.LedgerGrant, Item: "Potion", Quantity: 3})
			})
			require.NoError(t, err)
			require.True(t, committed)

			// Second write fails, so the first must not land.
			committed, err = st.RunTransaction(ctx, tenant, func(tx Tx) bool {
				return tx.AddHolding("e1", "Potion", 5) && tx.AddHolding("ghost", "Potion", 1)
			})
			require.NoError(t, err)
			assert.False(t, committed)

			// Body declines after a successful write.
			committed, err = st.RunTransaction(ctx, tenant, func(tx Tx) bool {
				tx.AddHolding("e1", "Potion", 9)
				return false
			})
			require.NoError(t, err)
			assert.False(t, committed)

			h, err := st.Holdings(ctx, tenant, "e1")
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"Potion": 3}, h)

			led, err := st.Ledger(ctx, tenant, "e1")
			require.NoError(t, err)
			require.Len(t, led, 1)
			assert.Equal(t, "t1", led[0].TaskID)

			applied, err := st.TaskApplied(ctx, tenant, "t1")
			require.NoError(t, err)
			assert.True(t, applied)
		})
	}
}

func TestLedgerRejectsDuplicateTask(t *testing.T) {
	ctx := context.Background()
	rec := economy.LedgerRecord{EntityID: "e1", TaskID: "t9", Kind: economy.LedgerGrant, Item: "Potion", Quantity: 1}
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st)
			ok, err := st.RunTransaction(ctx, tenant, func(tx Tx) bool { return tx.AppendLedger(rec) })
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = st.RunTransaction(ctx, tenant, func(tx Tx) bool {
				return tx.AddHolding("e1", "Potion", 1) && tx.AppendLedger(rec)
			})
			require.NoError(t, err)
			assert.False(t, ok)

			h, err := st.Holdings(ctx, tenant, "e1")
			require.NoError(t, err)
			assert.Empty(t, h)
		})
	}
}

func TestHoldingCannotGoNegative(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st)
			ok, err := st.RunTransaction(context.Background(), tenant, func(tx Tx) bool {
				return tx.AddHolding("e1", "Potion", -1)
			})
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			late := economy.ScheduledTask{
				ID: "b", Tenant: tenant, Type: economy.TaskGrantItem, ActivationTime: now.Add(time.Hour),
				Args: economy.GrantArgs("e1", "Potion", 2, 7), State: economy.TaskScheduled, CreatedAt: now,
			}
			early := late
			early.ID = "a"
			early.ActivationTime = now.Add(time.Minute)

			require.NoError(t, st.CreateTask(ctx, late))
			require.NoError(t, st.CreateTask(ctx, early))
			require.ErrorIs(t, st.CreateTask(ctx, early), ErrTaskExists)

			pending, err := st.TasksByState(ctx, tenant, economy.TaskScheduled)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "a", pending[0].ID)
			assert.True(t, pending[0].ActivationTime.Equal(early.ActivationTime))
			assert.Equal(t, "2", pending[1].Args[economy.ArgQuantity])

			require.NoError(t, st.UpdateTaskState(ctx, tenant, "a", economy.TaskCompleted))
			require.ErrorIs(t, st.UpdateTaskState(ctx, tenant, "a", economy.TaskFailed), ErrTaskNotScheduled)
			require.ErrorIs(t, st.UpdateTaskState(ctx, tenant, "zzz", economy.TaskFailed), ErrTaskNotFound)
			require.ErrorIs(t, st.UpdateTaskState(ctx, tenant, "b", economy.TaskScheduled), ErrInvalid)

			done, err := st.TasksByState(ctx, tenant, economy.TaskCompleted)
			require.NoError(t, err)
			require.Len(t, done, 1)

			tenants, err := st.Tenants(ctx)
			require.NoError(t, err)
			assert.Equal(t, []economy.TenantID{tenant}, tenants)
		})
	}
}

func TestCreateTaskValidates(t *testing.T) {
	st := NewMemory()
	err := st.CreateTask(context.Background(), economy.ScheduledTask{
		ID: "x", Tenant: tenant, Type: economy.TaskGrantItem, ActivationTime: time.Now(),
		State: economy.TaskScheduled, Args: map[economy.ArgKey]string{"color": "red"},
	})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}
