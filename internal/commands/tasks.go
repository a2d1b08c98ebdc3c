package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"guildbot/internal/economy"
	"guildbot/internal/storage"
	"guildbot/internal/transport/telegram/router"
	"guildbot/pkg/tgui"
)

const maxListedTasks = 10

// Tasks implements /tasks: scheduler counters plus this chat's upcoming
// tasks.
type Tasks struct {
	Store     storage.Store
	Scheduler Scheduler
	Tenants   *Tenants
}

func (t *Tasks) Command() router.Command {
	return router.Command{
		Name:        "tasks",
		Description: "show scheduled tasks",
		Access:      router.AccessOwnerOnly,
		Timeout:     10 * time.Second,
		Handle:      t.handle,
	}
}

func (t *Tasks) handle(ctx context.Context, req *router.Request) error {
	tenant := t.Tenants.Resolve(req.Chat.ChatID)
	pending, err := t.Store.TasksByState(ctx, tenant, economy.TaskScheduled)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	snap := t.Scheduler.Snapshot()
	loc := t.Scheduler.Location()

	b := tgui.New().Title("⏱", "Scheduler").
		KV("Enabled", strconv.FormatBool(snap.Enabled)).
		KV("Timezone", snap.Timezone).
		KV("In flight", strconv.Itoa(snap.InFlight)).
		KV("Completed", strconv.FormatUint(snap.Completed, 10)).
		KV("Failed", strconv.FormatUint(snap.Failed, 10)).
		Blank()

	if len(pending) == 0 {
		b.Line("No pending tasks.")
		_, err := req.ReplyMessage(ctx, b.Build())
		return err
	}
	b.Line(fmt.Sprintf("Pending: %d", len(pending)))
	for i, task := range pending {
		if i == maxListedTasks {
			b.Line(fmt.Sprintf("… and %d more", len(pending)-maxListedTasks))
			break
		}
		b.Bullets(fmt.Sprintf("%s  %s %s × %s → %s",
			task.ActivationTime.In(loc).Format("01-02 15:04"),
			task.Type,
			task.Arg(economy.ArgQuantity),
			task.Arg(economy.ArgItem),
			task.Arg(economy.ArgEntityID),
		))
	}
	_, err = req.ReplyMessage(ctx, b.Build())
	return err
}
