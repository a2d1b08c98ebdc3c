package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guildbot/internal/economy"
	"guildbot/internal/selection"
	"guildbot/internal/storage"
	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
	"guildbot/internal/transport/telegram/router"
	logx "guildbot/pkg/logx"
	"guildbot/pkg/tgui"
)

const grantUsage = "/grant <item> <qty> <when> [user_id ...]"

// Scheduler is the part of the task scheduler commands use.
type Scheduler interface {
	Location() *time.Location
	Schedule(ctx context.Context, tenant economy.TenantID, typ economy.TaskType, at time.Time, args map[economy.ArgKey]string) (economy.ScheduledTask, error)
	Snapshot() scheduler.Snapshot
}

// Grant implements /grant. Targets are the listed user ids, else the author
// of the replied-to message, else the caller. One grant_item task is
// scheduled per resolved character.
type Grant struct {
	Store     storage.Store
	Scheduler Scheduler
	Flow      *selection.Flow
	Tenants   *Tenants
	Adapter   kit.Adapter
	Log       logx.Logger
	Now       func() time.Time
}

// grantOrder rides through the selection flow as its context.
type grantOrder struct {
	Tenant    economy.TenantID
	Item      string
	Qty       int
	At        time.Time
	Chat      kit.ChatTarget
	Requester economy.UserID
}

func (g *Grant) Command() router.Command {
	return router.Command{
		Name:        "grant",
		Description: "schedule an item grant",
		Usage:       grantUsage,
		Access:      router.AccessOwnerOnly,
		Timeout:     15 * time.Second,
		Handle:      g.handle,
	}
}

func (g *Grant) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Grant) handle(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 {
		return req.Reply(ctx, "Usage: "+grantUsage)
	}
	qty, err := strconv.Atoi(req.Args[1])
	if err != nil || qty <= 0 {
		return req.Reply(ctx, fmt.Sprintf("Quantity must be a positive number, got %q.", req.Args[1]))
	}
	act, err := scheduler.ParseActivation(req.Args[2], g.now(), g.Scheduler.Location())
	if err != nil {
		return req.Reply(ctx, "Bad time: "+err.Error())
	}
	targets, err := grantTargets(req)
	if err != nil {
		return req.Reply(ctx, err.Error())
	}

	tenant := g.Tenants.Resolve(req.Chat.ChatID)
	item, ok, err := g.Store.Item(ctx, tenant, req.Args[0])
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("Item %q does not exist.", req.Args[0]))
	}

	order := grantOrder{
		Tenant:    tenant,
		Item:      item.Name,
		Qty:       qty,
		At:        act.At,
		Chat:      req.Chat,
		Requester: economy.UserID(req.FromID),
	}
	res, err := g.Flow.Resolve(ctx, selection.Request{
		Tenant:     tenant,
		Targets:    targets,
		Context:    order,
		Requester:  order.Requester,
		OnComplete: g.complete,
	})
	var nae *selection.NoActiveEntityError
	if errors.As(err, &nae) {
		return req.Reply(ctx, fmt.Sprintf("User %s has no active character.", nae.User))
	}
	if err != nil {
		return fmt.Errorf("resolve targets: %w", err)
	}

	if !res.Interactive() {
		_, err := req.ReplyMessage(ctx, g.schedule(ctx, order, res.Resolved))
		return err
	}
	m, err := selection.RenderPrompt(*res.Prompt)
	if err != nil {
		return err
	}
	_, err = req.ReplyMessage(ctx, m)
	return err
}

// complete runs when an interactive selection for a grant finishes.
func (g *Grant) complete(ctx context.Context, c selection.Completed) {
	order, ok := c.Context.(grantOrder)
	if !ok {
		g.Log.Error("selection completed with foreign context", logx.String("token", c.Token))
		return
	}
	if _, err := g.schedule(ctx, order, c.Selected).Send(ctx, g.Adapter, order.Chat); err != nil {
		g.Log.Warn("grant summary not sent", logx.Tenant(string(order.Tenant)), logx.Err(err))
	}
}

func (g *Grant) schedule(ctx context.Context, order grantOrder, ents []economy.Entity) tgui.Message {
	var (
		names  []string
		failed []string
	)
	for _, e := range ents {
		_, err := g.Scheduler.Schedule(ctx, order.Tenant, economy.TaskGrantItem, order.At,
			economy.GrantArgs(e.ID, order.Item, order.Qty, order.Requester))
		if err != nil {
			g.Log.Error("grant not scheduled", logx.Tenant(string(order.Tenant)), logx.String("entity", e.ID), logx.Err(err))
			failed = append(failed, e.Name)
			continue
		}
		names = append(names, e.Name)
	}

	loc := g.Scheduler.Location()
	b := tgui.New()
	if len(names) > 0 {
		b.Title("🎁", "Grant scheduled").
			KV("Item", fmt.Sprintf("%d × %s", order.Qty, order.Item)).
			KV("For", strings.Join(names, ", ")).
			KV("At", order.At.In(loc).Format("2006-01-02 15:04 MST")).
			KV("In", order.At.Sub(g.now()).Round(time.Second).String())
	}
	if len(failed) > 0 {
		b.Line("Could not schedule for: " + strings.Join(failed, ", "))
	}
	return b.Build()
}

func grantTargets(req *router.Request) ([]economy.UserID, error) {
	if extra := req.Args[3:]; len(extra) > 0 {
		out := make([]economy.UserID, 0, len(extra))
		for _, raw := range extra {
			id, err := economy.ParseUserID(raw)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("%q is not a user id", raw)
			}
			out = append(out, id)
		}
		return out, nil
	}
	if req.ReplyToFromID != 0 {
		return []economy.UserID{economy.UserID(req.ReplyToFromID)}, nil
	}
	return []economy.UserID{economy.UserID(req.FromID)}, nil
}
