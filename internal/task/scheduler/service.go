package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"guildbot/internal/economy"
	"guildbot/internal/eventbus"
	rtsup "guildbot/internal/runtime/supervisor"
	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

type Service struct {
	mu       sync.Mutex
	cfg      Config
	loc      *time.Location
	handlers map[economy.TaskType]Handler
	inFlight map[string]struct{}
	sup      *rtsup.Supervisor

	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	notify Notifier

	q       *queue
	sem     *semaphore.Weighted
	running atomic.Bool
	workers sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store storage.Store, notify Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s := &Service{
		cfg:      cfg,
		handlers: map[economy.TaskType]Handler{},
		inFlight: map[string]struct{}{},
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		store:    store,
		notify:   notify,
		q:        newQueue(),
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	if cfg.MaxInFlight > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone activation expressions are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Register binds a handler to a task type. Call it before Run.
func (s *Service) Register(typ economy.TaskType, h Handler) error {
	if typ == "" || h == nil {
		return errors.New("scheduler: register needs a type and a handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.handlers[typ]; dup {
		return fmt.Errorf("scheduler: handler for %s already registered", typ)
	}
	s.handlers[typ] = h
	return nil
}

func (s *Service) handler(typ economy.TaskType) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[typ]
}

// Enqueue appends the task to the work queue. It never blocks. A task that
// names a different tenant than the one given is dropped with a warning; a
// task id already being worked on is dropped by the dispatcher.
func (s *Service) Enqueue(tenant economy.TenantID, task economy.ScheduledTask) {
	if task.Tenant != "" && task.Tenant != tenant {
		s.log.Warn("task tenant mismatch; dropped",
			logx.Tenant(string(tenant)), logx.Task(task.ID), logx.String("task_tenant", string(task.Tenant)))
		return
	}
	task.Tenant = tenant
	s.q.push(entry{tenant: tenant, task: task})
	s.log.Debug("task enqueued", logx.Tenant(string(tenant)), logx.Task(task.ID), logx.Time("due", task.ActivationTime))
}

// RecoverPending enqueues every SCHEDULED task of the given tenants and
// returns how many were enqueued. A tenant whose tasks cannot be read is
// logged and skipped.
func (s *Service) RecoverPending(ctx context.Context, tenants []economy.TenantID) int {
	n := 0
	for _, tenant := range tenants {
		tasks, err := s.store.TasksByState(ctx, tenant, economy.TaskScheduled)
		if err != nil {
			s.log.Warn("recover pending failed", logx.Tenant(string(tenant)), logx.Err(err))
			continue
		}
		for _, t := range tasks {
			s.Enqueue(tenant, t)
		}
		n += len(tasks)
	}
	s.log.Info("pending tasks recovered", logx.Int("tenants", len(tenants)), logx.Int("tasks", n))
	return n
}

// Schedule persists a new SCHEDULED task and enqueues it.
func (s *Service) Schedule(ctx context.Context, tenant economy.TenantID, typ economy.TaskType, at time.Time, args map[economy.ArgKey]string) (economy.ScheduledTask, error) {
	if !s.Enabled() {
		return economy.ScheduledTask{}, ErrDisabled
	}
	if s.handler(typ) == nil {
		return economy.ScheduledTask{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	task := economy.ScheduledTask{
		ID:             uuid.NewString(),
		Tenant:         tenant,
		Type:           typ,
		ActivationTime: at,
		Args:           args,
		State:          economy.TaskScheduled,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return economy.ScheduledTask{}, fmt.Errorf("persist task: %w", err)
	}
	s.Enqueue(tenant, task)
	return task, nil
}

// Run is the dispatcher loop. It starts one worker per queued task and
// returns when ctx is done. Workers still sleeping are abandoned; handlers
// already executing finish.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer s.running.Store(false)

	s.log.Info("dispatcher started", logx.Int("queued", s.q.len()))
	for {
		for _, e := range s.q.drain() {
			s.dispatch(ctx, e)
		}
		select {
		case <-ctx.Done():
			s.log.Info("dispatcher stopped")
			return nil
		case <-s.q.ready:
		}
	}
}

func (s *Service) dispatch(ctx context.Context, e entry) {
	id := e.task.ID
	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		s.log.Debug("duplicate task dropped", logx.Tenant(string(e.tenant)), logx.Task(id))
		return
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()
	s.log.Trace("task dispatched", logx.Tenant(string(e.tenant)), logx.Task(id), logx.Time("due", e.task.ActivationTime))

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, id)
			s.mu.Unlock()
		}()
		s.work(ctx, e)
	}()
}

// Start runs the dispatcher under a supervisor.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("scheduler.dispatcher", s.Run)
	s.log.Info("service started", logx.String("tz", s.Location().String()), logx.Int("max_in_flight", s.cfg.MaxInFlight))
}

// Stop cancels the dispatcher and waits for executing handlers until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for workers")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:     s.cfg.Enabled,
		Timezone:    s.loc.String(),
		InFlight:    len(s.inFlight),
		MaxInFlight: s.cfg.MaxInFlight,
	}
	for t := range s.handlers {
		snap.Types = append(snap.Types, t)
	}
	s.mu.Unlock()
	slices.Sort(snap.Types)

	snap.Queued = s.q.len()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Abandoned = s.abandoned.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
