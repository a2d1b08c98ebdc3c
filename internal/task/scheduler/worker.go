package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"guildbot/internal/economy"
	"guildbot/internal/eventbus"
	"guildbot/internal/notifier"
	"guildbot/internal/storage"
	logx "guildbot/pkg/logx"
)

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

func (s *Service) work(ctx context.Context, e entry) {
	log := s.log.With(logx.Tenant(string(e.tenant)), logx.Task(e.task.ID), logx.String("type", string(e.task.Type)))

	if !sleepUntil(ctx, e.task.ActivationTime) {
		s.abandoned.Add(1)
		log.Debug("task wait abandoned")
		return
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.abandoned.Add(1)
			log.Debug("task abandoned waiting for a slot")
			return
		}
		defer s.sem.Release(1)
	}

	// Shutdown no longer interrupts the task once it is due.
	s.execute(context.WithoutCancel(ctx), e, log)
}

// sleepUntil blocks until at, returning false if ctx ends first. A past due
// time returns immediately.
func sleepUntil(ctx context.Context, at time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	wait := time.Until(at)
	if wait <= 0 {
		return true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) execute(ctx context.Context, e entry, log logx.Logger) {
	start := time.Now()
	task := e.task

	out, err := s.invoke(ctx, task)
	if err == nil && out.Status != Completed && out.Status != Failed && out.Status != Missing {
		err = fmt.Errorf("handler returned invalid status %d", out.Status)
	}
	state := economy.TaskFailed
	if err == nil {
		state = out.Status.State()
	}

	if uerr := s.store.UpdateTaskState(ctx, e.tenant, task.ID, state); uerr != nil {
		if errors.Is(uerr, storage.ErrTaskNotScheduled) {
			log.Warn("task already finished elsewhere; outcome discarded", logx.String("state", string(state)))
			return
		}
		// The row is still SCHEDULED and will be redelivered; announce nothing.
		log.Error("task state update failed", logx.String("state", string(state)), logx.Err(uerr))
		s.record(HistoryItem{
			ID: task.ID, Tenant: e.tenant, Type: task.Type, State: economy.TaskScheduled,
			Due: task.ActivationTime, Started: start, Duration: time.Since(start),
			Error: "state update: " + uerr.Error(),
		})
		return
	}

	item := HistoryItem{
		ID: task.ID, Tenant: e.tenant, Type: task.Type, State: state,
		Due: task.ActivationTime, Started: start, Duration: time.Since(start),
	}
	if err != nil {
		item.Error = err.Error()
	}
	s.record(item)

	ev := eventbus.TaskOutcome{Tenant: string(e.tenant), TaskID: task.ID, Type: string(task.Type)}
	if state == economy.TaskCompleted {
		s.completed.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskCompleted, Data: ev})
	} else {
		s.failed.Add(1)
		ev.Reason = out.Status.String()
		if err != nil {
			ev.Reason = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	}

	if err != nil {
		var pe *PanicError
		if errors.As(err, &pe) {
			log.Error("task panicked", logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)))
		} else {
			log.Error("task errored", logx.Err(err))
		}
		return
	}

	switch out.Status {
	case Completed:
		log.Info("task completed", logx.Duration("took", item.Duration))
	default:
		log.Warn("task failed", logx.String("status", out.Status.String()))
	}
	if out.Notice == "" || s.notify == nil {
		return
	}
	if perr := s.notify.Post(ctx, e.tenant, notifier.RoleEconomy, out.Notice); perr != nil {
		log.Debug("task notice not queued", logx.Err(perr))
	}
}

func (s *Service) invoke(ctx context.Context, task economy.ScheduledTask) (out Outcome, err error) {
	h := s.handler(task.Type)
	if h == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownType, task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, Env{Store: s.store, Log: s.log, Scheduler: s}, task)
}
