package selection

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"guildbot/internal/economy"
	"guildbot/internal/eventbus"
	logx "guildbot/pkg/logx"
)

type Flow struct {
	cfg      Config
	entities EntitySource
	log      logx.Logger
	bus      eventbus.Bus
	cache    *sessionCache
}

func New(cfg Config, entities EntitySource, log logx.Logger, bus eventbus.Bus) *Flow {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop()
	}
	f := &Flow{
		cfg:      cfg,
		entities: entities,
		log:      log.With(logx.String("comp", "selection")),
		bus:      bus,
	}
	f.cache = newSessionCache(cfg.MaxSessions, cfg.TTL, f.expired)
	return f
}

func (f *Flow) TTL() time.Duration { return f.cfg.TTL }

// Sessions returns the number of cached sessions, including expired ones not
// yet swept.
func (f *Flow) Sessions() int { return f.cache.len() }

// Resolve maps every target user to one entity. Targets with a single active
// entity resolve directly. If any target has several, a session is opened and
// the prompt for the first such target is returned; the rest follow in
// target order as each is confirmed.
func (f *Flow) Resolve(ctx context.Context, req Request) (Result, error) {
	targets := uniqueTargets(req.Targets)
	if len(targets) == 0 {
		return Result{}, ErrNoTargets
	}

	var (
		selected []economy.Entity
		pending  []pendingTarget
	)
	for _, user := range targets {
		ents, err := f.entities.ActiveEntities(ctx, req.Tenant, user)
		if err != nil {
			return Result{}, fmt.Errorf("active entities of %s: %w", user, err)
		}
		switch len(ents) {
		case 0:
			return Result{}, &NoActiveEntityError{User: user}
		case 1:
			selected = append(selected, ents[0])
		default:
			pending = append(pending, pendingTarget{user: user, candidates: ents})
		}
	}
	if len(pending) == 0 {
		return Result{Resolved: selected}, nil
	}

	s := session{
		tenant:      req.Tenant,
		responsible: req.Requester,
		context:     req.Context,
		source:      req.Source,
		pending:     pending,
		selected:    selected,
		onComplete:  req.OnComplete,
	}
	token := newToken()
	f.cache.put(token, s)
	f.log.Debug("selection opened",
		logx.Tenant(string(req.Tenant)),
		logx.String("token", token),
		logx.Int("ambiguous", len(pending)),
	)
	return Result{Prompt: s.prompt(token)}, nil
}

// Select records entityID as the pending choice for the current target,
// replacing any earlier choice. An id that is not among the current
// candidates is acknowledged without changing the session.
func (f *Flow) Select(ctx context.Context, token string, actor economy.UserID, entityID string) Response {
	return f.choose(token, actor, func(session) string { return entityID })
}

// SelectOption is Select by position in the current prompt's options. The
// index is resolved against the session under the same lock that records
// the choice.
func (f *Flow) SelectOption(ctx context.Context, token string, actor economy.UserID, index int) Response {
	return f.choose(token, actor, func(s session) string {
		cands := s.current().candidates
		if index < 0 || index >= len(cands) {
			return ""
		}
		return cands[index].ID
	})
}

func (f *Flow) choose(token string, actor economy.UserID, pick func(session) string) Response {
	unlock := f.cache.locks.lock(token)
	defer unlock()

	s, ok := f.cache.get(token)
	if !ok {
		return Response{Kind: Expired}
	}
	if actor != s.responsible {
		return Response{Kind: Forbidden}
	}
	entityID := pick(s)
	if _, ok := s.candidate(entityID); !ok {
		f.log.Debug("selection ignored unknown choice", logx.String("token", token), logx.String("entity", entityID))
		return Response{Kind: Ack}
	}
	next := s.withChoice(entityID)
	f.cache.put(token, next)
	return Response{Kind: Ack, Prompt: next.prompt(token)}
}

// Confirm finalizes the pending choice. With no choice pending it is a no-op.
// When the last target is confirmed the session is discarded and its
// Completion runs.
func (f *Flow) Confirm(ctx context.Context, token string, actor economy.UserID) Response {
	var (
		resp Response
		done *Completed
		cb   Completion
	)
	func() {
		unlock := f.cache.locks.lock(token)
		defer unlock()

		s, ok := f.cache.get(token)
		if !ok {
			resp = Response{Kind: Expired}
			return
		}
		if actor != s.responsible {
			resp = Response{Kind: Forbidden}
			return
		}
		next, moved := s.confirm()
		if !moved {
			resp = Response{Kind: Ack}
			return
		}
		if !next.resolved() {
			f.cache.put(token, next)
			resp = Response{Kind: Next, Prompt: next.prompt(token)}
			return
		}

		f.cache.finish(token)
		resp = Response{Kind: Done, Selected: next.selected}
		cb = next.onComplete
		done = &Completed{
			Token:     token,
			Tenant:    next.tenant,
			Requester: next.responsible,
			Selected:  next.selected,
			Source:    next.source,
			Context:   next.context,
		}
	}()

	if done != nil {
		f.log.Debug("selection completed", logx.Tenant(string(done.Tenant)), logx.String("token", token))
		f.bus.Publish(eventbus.Event{
			Type: eventbus.SelectionCompleted,
			Data: eventbus.SelectionOutcome{Token: token, Entities: entityIDs(done.Selected)},
		})
		if cb != nil {
			cb(ctx, *done)
		}
	}
	return resp
}

// expired reports a session dropped before completion. evicted is set when
// the cache made room for a newer session before the TTL ran out.
func (f *Flow) expired(token string, s session, evicted bool) {
	reason := eventbus.ReasonTTL
	if evicted {
		reason = eventbus.ReasonCapacity
		f.log.Warn("selection evicted at capacity",
			logx.Tenant(string(s.tenant)), logx.String("token", token), logx.Int("max_sessions", f.cfg.MaxSessions))
	} else {
		f.log.Debug("selection expired", logx.Tenant(string(s.tenant)), logx.String("token", token))
	}
	f.bus.Publish(eventbus.Event{
		Type: eventbus.SelectionExpired,
		Data: eventbus.SelectionOutcome{Token: token, Entities: entityIDs(s.selected), Reason: reason},
	})
}

func uniqueTargets(in []economy.UserID) []economy.UserID {
	seen := make(map[economy.UserID]struct{}, len(in))
	out := make([]economy.UserID, 0, len(in))
	for _, u := range in {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func entityIDs(es []economy.Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

// newToken returns 22 url-safe characters without ':' so it fits inside
// callback data.
func newToken() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
