package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "guildbot/internal/runtime/supervisor"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
	"guildbot/pkg/tgui"
)

var ErrDuplicate = errors.New("router: duplicate route")

const slowRequest = 750 * time.Millisecond

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	workers int
	jobs    chan func()

	mu        sync.RWMutex
	commands  map[string]Command
	ordered   []Command
	callbacks map[string]CallbackRoute
	owners    map[int64]struct{}
}

type Option func(*Router)

func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.jobs = make(chan func(), n)
		}
	}
}

func WithOwners(ids []int64) Option {
	return func(r *Router) { r.SetOwners(ids) }
}

func New(adapter kit.Adapter, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		workers:   max(2, runtime.NumCPU()),
		jobs:      make(chan func(), 256),
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    map[int64]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	r.mustHandle(Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "list commands",
		Handle:      r.help,
	})
	return r
}

func (r *Router) mustHandle(c Command) {
	if err := r.Handle(c); err != nil {
		panic(err)
	}
}

// Handle registers commands. Names and aliases share one namespace.
func (r *Router) Handle(cmds ...Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if c.Handle == nil {
			return fmt.Errorf("router: command %q has no handler", c.Name)
		}
		names := append([]string{c.Name}, c.Aliases...)
		for _, n := range names {
			n = strings.ToLower(strings.TrimSpace(n))
			if n == "" {
				continue
			}
			if _, dup := r.commands[n]; dup {
				return fmt.Errorf("%w: /%s", ErrDuplicate, n)
			}
			r.commands[n] = c
		}
		r.ordered = append(r.ordered, c)
	}
	return nil
}

func (r *Router) HandleCallback(routes ...CallbackRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range routes {
		key := cb.Prefix + ":" + cb.Action
		if cb.Handle == nil || cb.Prefix == "" || cb.Action == "" {
			return fmt.Errorf("router: invalid callback route %q", key)
		}
		if _, dup := r.callbacks[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
		r.callbacks[key] = cb
	}
	return nil
}

// SetOwners replaces the ids allowed to run AccessOwnerOnly routes. Safe
// during hot reload.
func (r *Router) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) allowed(a Access, from int64) bool {
	if a != AccessOwnerOnly {
		return true
	}
	r.mu.RLock()
	_, ok := r.owners[from]
	r.mu.RUnlock()
	return ok
}

var reMenuName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// MenuCommands lists commands for Telegram's command menu.
func (r *Router) MenuCommands() []tele.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tele.Command, 0, len(r.ordered))
	for _, c := range r.ordered {
		if !reMenuName.MatchString(c.Name) {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Name
		}
		out = append(out, tele.Command{Text: c.Name, Description: tgui.TruncRunes(d, 256)})
	}
	return out
}

// Run consumes updates until ctx ends or the channel closes. Handlers run on
// a pool of supervised workers; when the pool is saturated the user is told
// to retry.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := range r.workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), r.worker,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.jobs:
			job()
		}
	}
}

// Dispatch routes one update onto the worker queue.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up)
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	toks := Tokenize(text)
	if len(toks) == 0 {
		return
	}
	word := commandWord(toks[0])
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if !r.allowed(cmd.Access, msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, "Only game masters can use /"+cmd.Name+".", nil)
		return
	}

	pos, flags, bools := ParseFlags(toks[1:])
	req := &Request{
		Update:        up,
		Chat:          chat,
		FromID:        msg.FromID,
		ReqID:         newReqID(),
		Command:       cmd.Name,
		Args:          pos,
		Flags:         flags,
		Bools:         bools,
		ReplyToFromID: msg.ReplyToFromID,
		Adapter:       r.adapter,
	}
	req.Logger = r.requestLogger(req, "/"+cmd.Name)

	h := r.chain(cmd.Handle, cmd.Timeout)
	if !r.enqueue(func() { _ = h(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	data, err := tgui.ParseData(cb.Data)
	if err != nil {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	key := data.Prefix + ":" + data.Action

	r.mu.RLock()
	route, ok := r.callbacks[key]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !r.allowed(route.Access, cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:   cb.FromID,
		ReqID:    newReqID(),
		Command:  key,
		Callback: data,
		Adapter:  &answerOnce{Adapter: r.adapter},
	}
	req.Logger = r.requestLogger(req, "cb:"+key)

	h := r.chain(route.Handle, route.Timeout)
	if !r.enqueue(func() {
		_ = h(ctx, req)
		// Stop the client's loading spinner if the handler did not answer.
		_ = req.Adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Busy, try again.")
	}
}

func (r *Router) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return Chain(h, MWPanicRecover(), MWRequestLog(slowRequest), MWTimeout(timeout))
}

func (r *Router) requestLogger(req *Request, cmd string) logx.Logger {
	return r.log.With(
		logx.String("rid", req.ReqID),
		logx.Int64("chat_id", req.Chat.ChatID),
		logx.Int("thread_id", req.Chat.ThreadID),
		logx.Int64("from_id", req.FromID),
		logx.String("cmd", cmd),
	)
}

func (r *Router) enqueue(job func()) bool {
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

func (r *Router) help(ctx context.Context, req *Request) error {
	r.mu.RLock()
	cmds := slices.Clone(r.ordered)
	r.mu.RUnlock()

	b := tgui.New().Title("📖", "Commands")
	for _, c := range cmds {
		if !r.allowed(c.Access, req.FromID) {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.RawLine(tgui.Code(usage) + tgui.H(" "+tgui.Esc(c.Description).String()))
	}
	_, err := req.ReplyMessage(ctx, b.Build())
	return err
}

// answerOnce lets a handler answer a callback with text; the router's
// trailing empty answer is then skipped. Telegram rejects a second answer.
type answerOnce struct {
	kit.Adapter
	mu   sync.Mutex
	done bool
}

func (a *answerOnce) AnswerCallback(ctx context.Context, id, text string) error {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return nil
	}
	a.done = true
	a.mu.Unlock()
	return a.Adapter.AnswerCallback(ctx, id, text)
}
