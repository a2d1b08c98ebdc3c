package commands

import (
	"context"
	"strconv"
	"strings"

	"guildbot/internal/economy"
	"guildbot/internal/selection"
	"guildbot/internal/transport/telegram/router"
	"guildbot/pkg/tgui"
)

// SelectionRoutes wires the menu buttons drawn by selection.RenderPrompt.
func SelectionRoutes(flow *selection.Flow) []router.CallbackRoute {
	return []router.CallbackRoute{
		{
			Prefix: selection.CallbackPrefix,
			Action: selection.ActionPick,
			Handle: func(ctx context.Context, req *router.Request) error {
				idx, err := strconv.Atoi(req.Callback.Arg(1))
				if err != nil {
					return req.Answer(ctx, "")
				}
				resp := flow.SelectOption(ctx, req.Callback.Arg(0), economy.UserID(req.FromID), idx)
				return respond(ctx, req, resp)
			},
		},
		{
			Prefix: selection.CallbackPrefix,
			Action: selection.ActionConfirm,
			Handle: func(ctx context.Context, req *router.Request) error {
				resp := flow.Confirm(ctx, req.Callback.Arg(0), economy.UserID(req.FromID))
				return respond(ctx, req, resp)
			},
		},
	}
}

func respond(ctx context.Context, req *router.Request, resp selection.Response) error {
	switch resp.Kind {
	case selection.Expired, selection.Forbidden:
		return req.Answer(ctx, selection.ResponseText(resp.Kind))
	case selection.Done:
		names := make([]string, 0, len(resp.Selected))
		for _, e := range resp.Selected {
			names = append(names, e.Name)
		}
		m := tgui.New().Title("✅", "Selection complete").Line(strings.Join(names, ", ")).Build()
		return m.Edit(ctx, req.Adapter, req.MessageRef())
	}
	if resp.Prompt == nil {
		return nil
	}
	m, err := selection.RenderPrompt(*resp.Prompt)
	if err != nil {
		return err
	}
	return m.Edit(ctx, req.Adapter, req.MessageRef())
}
