package scheduler

import (
	"context"
	"fmt"
	"time"

	"guildbot/internal/economy"
	"guildbot/internal/storage"
)

// GrantItem adds an item to an entity's holdings and appends the matching
// ledger row in one transaction.
//
// A task whose ledger row already exists was applied before a restart; it
// completes again without writing so redelivery is harmless.
func GrantItem(ctx context.Context, env Env, task economy.ScheduledTask) (Outcome, error) {
	entityID := task.Arg(economy.ArgEntityID)
	itemName := task.Arg(economy.ArgItem)
	qty, qerr := task.IntArg(economy.ArgQuantity)
	if entityID == "" || itemName == "" || qerr != nil || qty <= 0 {
		return Outcome{
			Status: Missing,
			Notice: fmt.Sprintf("Scheduled grant %s cannot be completed: its arguments are invalid.", short(task.ID)),
		}, nil
	}

	applied, err := env.Store.TaskApplied(ctx, task.Tenant, task.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("check applied: %w", err)
	}

	item, ok, err := env.Store.Item(ctx, task.Tenant, itemName)
	if err != nil {
		return Outcome{}, fmt.Errorf("load item: %w", err)
	}
	if !ok {
		return Outcome{
			Status: Missing,
			Notice: fmt.Sprintf("Scheduled grant cannot be completed: item %q does not exist.", itemName),
		}, nil
	}
	entity, ok, err := env.Store.Entity(ctx, task.Tenant, entityID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load entity: %w", err)
	}
	if !ok {
		return Outcome{
			Status: Missing,
			Notice: fmt.Sprintf("Scheduled grant of %s cannot be completed: the character does not exist.", item.Name),
		}, nil
	}

	success := Outcome{
		Status: Completed,
		Notice: fmt.Sprintf("Scheduled grant complete: %s received %d %s.", entity.Name, qty, item.Name),
	}
	if applied {
		return success, nil
	}

	committed, err := env.Store.RunTransaction(ctx, task.Tenant, func(tx storage.Tx) bool {
		return tx.AddHolding(entity.ID, item.Name, qty) &&
			tx.AppendLedger(economy.LedgerRecord{
				EntityID: entity.ID,
				TaskID:   task.ID,
				Kind:     economy.LedgerGrant,
				Item:     item.Name,
				Quantity: qty,
				Note:     "scheduled grant requested by " + task.Arg(economy.ArgRequestedBy),
				At:       time.Now(),
			})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("grant transaction: %w", err)
	}
	if !committed {
		return Outcome{
			Status: Failed,
			Notice: fmt.Sprintf("Scheduled grant of %d %s to %s failed.", qty, item.Name, entity.Name),
		}, nil
	}
	return success, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
