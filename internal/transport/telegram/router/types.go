// Package router dispatches chat updates: "/command args" messages to
// command handlers and "prefix:action:args" callbacks to callback handlers,
// each through the same middleware chain on a bounded worker pool.
package router

import (
	"context"
	"time"

	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
	"guildbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline button presses whose data starts with
// Prefix:Action. Callbacks are open to everyone unless Access says otherwise;
// handlers do their own authorization.
type CallbackRoute struct {
	Prefix  string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget
	FromID int64
	ReqID  string

	// Command requests.
	Command string
	Args    []string
	Flags   map[string]string
	Bools   map[string]bool

	// ReplyToFromID is the author of the message the command replied to.
	ReplyToFromID int64

	// Callback requests.
	Callback tgui.Callback

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends plain text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

// ReplyMessage sends a rendered message to the request's chat.
func (r *Request) ReplyMessage(ctx context.Context, m tgui.Message) (kit.MessageRef, error) {
	return m.Send(ctx, r.Adapter, r.Chat)
}

// MessageRef points at the message that carried the pressed button.
func (r *Request) MessageRef() kit.MessageRef {
	if r.Update.Callback == nil {
		return kit.MessageRef{}
	}
	return kit.MessageRef{ChatID: r.Chat.ChatID, ThreadID: r.Chat.ThreadID, MessageID: r.Update.Callback.MessageID}
}

// Answer replaces the callback's default empty answer with text.
func (r *Request) Answer(ctx context.Context, text string) error {
	if r.Update.Callback == nil {
		return nil
	}
	return r.Adapter.AnswerCallback(ctx, r.Update.Callback.ID, text)
}
