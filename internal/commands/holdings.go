package commands

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"guildbot/internal/economy"
	"guildbot/internal/storage"
	"guildbot/internal/transport/telegram/router"
	"guildbot/pkg/tgui"
)

// Holdings implements /holdings [user_id]: items owned by each active
// character of the user (the replied-to author or the caller by default).
type Holdings struct {
	Store   storage.Store
	Tenants *Tenants
}

func (h *Holdings) Command() router.Command {
	return router.Command{
		Name:        "holdings",
		Aliases:     []string{"inv"},
		Description: "show character holdings",
		Usage:       "/holdings [user_id]",
		Handle:      h.handle,
	}
}

func (h *Holdings) handle(ctx context.Context, req *router.Request) error {
	user := economy.UserID(req.FromID)
	switch {
	case len(req.Args) > 0:
		id, err := economy.ParseUserID(req.Args[0])
		if err != nil {
			return req.Reply(ctx, fmt.Sprintf("%q is not a user id", req.Args[0]))
		}
		user = id
	case req.ReplyToFromID != 0:
		user = economy.UserID(req.ReplyToFromID)
	}

	tenant := h.Tenants.Resolve(req.Chat.ChatID)
	ents, err := h.Store.ActiveEntities(ctx, tenant, user)
	if err != nil {
		return fmt.Errorf("active entities: %w", err)
	}
	if len(ents) == 0 {
		return req.Reply(ctx, fmt.Sprintf("User %s has no active character.", user))
	}

	b := tgui.New().Title("🎒", "Holdings")
	for _, e := range ents {
		held, err := h.Store.Holdings(ctx, tenant, e.ID)
		if err != nil {
			return fmt.Errorf("holdings of %s: %w", e.ID, err)
		}
		b.Blank().RawLine(tgui.B(e.Name))
		if len(held) == 0 {
			b.Line("nothing yet")
			continue
		}
		for _, item := range slices.Sorted(maps.Keys(held)) {
			b.KV(item, strconv.Itoa(held[item]))
		}
	}
	_, err = req.ReplyMessage(ctx, b.Build())
	return err
}
