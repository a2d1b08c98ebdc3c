package selection

import (
	"time"

	"guildbot/internal/economy"
)

type pendingTarget struct {
	user       economy.UserID
	candidates []economy.Entity
}

// session is treated as a value: transitions return a modified copy and the
// cache entry is replaced, never edited in place.
type session struct {
	tenant      economy.TenantID
	responsible economy.UserID
	context     any
	source      *economy.Entity
	pending     []pendingTarget
	selected    []economy.Entity
	choice      string
	onComplete  Completion
	written     time.Time
}

func (s session) current() pendingTarget { return s.pending[0] }

func (s session) candidate(entityID string) (economy.Entity, bool) {
	if len(s.pending) == 0 {
		return economy.Entity{}, false
	}
	for _, e := range s.current().candidates {
		if e.ID == entityID {
			return e, true
		}
	}
	return economy.Entity{}, false
}

func (s session) withChoice(entityID string) session {
	s.choice = entityID
	return s
}

// confirm moves the pending choice into selected and drops the current
// target. It reports false when no choice is pending.
func (s session) confirm() (session, bool) {
	if s.choice == "" {
		return s, false
	}
	e, ok := s.candidate(s.choice)
	if !ok {
		return s, false
	}
	selected := make([]economy.Entity, len(s.selected), len(s.selected)+1)
	copy(selected, s.selected)
	s.selected = append(selected, e)
	s.pending = s.pending[1:]
	s.choice = ""
	return s, true
}

func (s session) resolved() bool { return len(s.pending) == 0 && s.choice == "" }

func (s session) prompt(token string) *Prompt {
	cur := s.current()
	opts := make([]Option, 0, len(cur.candidates))
	for _, e := range cur.candidates {
		opts = append(opts, Option{EntityID: e.ID, Label: e.Name})
	}
	return &Prompt{
		Token:     token,
		Tenant:    s.tenant,
		Target:    cur.user,
		Options:   opts,
		Chosen:    s.choice,
		Remaining: len(s.pending) - 1,
	}
}
