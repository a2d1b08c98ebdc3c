package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildbot/internal/commands"
	"guildbot/internal/config"
	"guildbot/internal/economy"
	"guildbot/internal/eventbus"
	"guildbot/internal/notifier"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/selection"
	"guildbot/internal/storage"
	"guildbot/internal/task/scheduler"
	kit "guildbot/internal/transport"
	telegram "guildbot/internal/transport/telegram/adapter"
	"guildbot/internal/transport/telegram/router"
	logx "guildbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	notif   *notifier.Service
	sched   *scheduler.Service
	flow    *selection.Flow
	router  *router.Router
	tenants *commands.Tenants

	updates chan kit.Update
}

// menuSetter is implemented by adapters that publish a command menu.
type menuSetter interface {
	SetCommands(cmds []tele.Command) error
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, ad)
}

// newApp wires every component around an adapter. Nothing runs until Start.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, ad kit.Adapter) (*App, error) {
	// logx.New applies immediately; enable the chat sink only after the
	// target is set so Apply does not warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetChatTarget(logChat(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, bus)

	selCfg, err := mapSelectionConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	flow := selection.New(selCfg, store, log, bus)

	sched := scheduler.New(mapSchedulerConfig(cfg), store, notif, log, bus)
	if err := sched.Register(economy.TaskGrantItem, scheduler.GrantItem); err != nil {
		_ = store.Close()
		return nil, err
	}

	tenants := commands.NewTenants(tenantsByChat(cfg))
	r := router.New(ad, log, router.WithOwners(cfg.Telegram.OwnerUserIDs))
	grant := &commands.Grant{
		Store:     store,
		Scheduler: sched,
		Flow:      flow,
		Tenants:   tenants,
		Adapter:   ad,
		Log:       log.With(logx.String("comp", "grant")),
	}
	tasks := &commands.Tasks{Store: store, Scheduler: sched, Tenants: tenants}
	holdings := &commands.Holdings{Store: store, Tenants: tenants}
	if err := r.Handle(grant.Command(), tasks.Command(), holdings.Command()); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := r.HandleCallback(commands.SelectionRoutes(flow)...); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		notif:   notif,
		sched:   sched,
		flow:    flow,
		router:  r,
		tenants: tenants,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Store exposes the economy store, e.g. for seeding.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the app up: recover pending tasks, start the scheduler and
// notifier, then accept updates.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := config.Validate(c); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(c); err != nil {
			return err
		}
		_, err := mapSelectionConfig(c)
		return err
	})

	if cfg.Scheduler.RecoverEnabled() {
		stored, err := a.store.Tenants(ctx)
		if err != nil {
			a.log.Warn("list stored tenants failed; recovering configured tenants only", logx.Err(err))
		}
		a.sched.RecoverPending(ctx, recoveryTenants(stored, cfg))
	}
	a.sched.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())

	if ms, ok := a.adapter.(menuSetter); ok {
		if err := ms.SetCommands(a.router.MenuCommands()); err != nil {
			a.log.Warn("set command menu failed", logx.Err(err))
		}
	}
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("tenants", len(cfg.Tenants)),
		logx.Duration("session_ttl", a.flow.TTL()),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

// applyConfig applies the live-reloadable sections: logging, owners, tenants
// and notifier limits.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	// Target first so Apply does not warn when the chat sink is enabled.
	a.logs.SetChatTarget(logChat(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.tenants.Set(tenantsByChat(next))

	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := prev.NotifierOrDefault().Enabled
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step has an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			limit = min(limit, time.Until(dl))
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Adapter first so no new work arrives; the scheduler before the notifier
	// so late outcomes can still be queued; storage last.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
