package selection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"guildbot/internal/economy"
	"guildbot/internal/eventbus"
	logx "guildbot/pkg/logx"
)

const tenant = economy.TenantID("guild")

type fakeEntities struct {
	mu    sync.Mutex
	by    map[economy.UserID][]economy.Entity
	calls []economy.UserID
	err   error
}

func (f *fakeEntities) ActiveEntities(_ context.Context, _ economy.TenantID, user economy.UserID) ([]economy.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, user)
	if f.err != nil {
		return nil, f.err
	}
	return f.by[user], nil
}

func (f *fakeEntities) queried() []economy.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]economy.UserID(nil), f.calls...)
}

func ents(owner economy.UserID, ids ...string) []economy.Entity {
	out := make([]economy.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, economy.Entity{ID: id, Tenant: tenant, Owner: owner, Name: "char " + id, Active: true})
	}
	return out
}

const (
	requester = economy.UserID(1)
	userA     = economy.UserID(10)
	userB     = economy.UserID(20)
	userC     = economy.UserID(30)
	userD     = economy.UserID(40)
	nobody    = economy.UserID(99)
)

func newFlow(t *testing.T, cfg Config) (*Flow, *fakeEntities, eventbus.Bus) {
	t.Helper()
	src := &fakeEntities{by: map[economy.UserID][]economy.Entity{
		userA: ents(userA, "a1"),
		userB: ents(userB, "b1", "b2"),
		userC: ents(userC, "c1", "c2", "c3"),
		userD: ents(userD, "d1", "d2"),
	}}
	bus := eventbus.New()
	return New(cfg, src, logx.Nop(), bus), src, bus
}

type completions struct {
	mu  sync.Mutex
	got []Completed
}

func (c *completions) record(_ context.Context, done Completed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, done)
}

func (c *completions) all() []Completed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Completed(nil), c.got...)
}

func ids(es []economy.Entity) []string { return entityIDs(es) }

func TestResolveWithoutAmbiguity(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	var cb completions

	res, err := f.Resolve(context.Background(), Request{
		Tenant: tenant, Targets: []economy.UserID{userA}, Requester: requester, OnComplete: cb.record,
	})
	require.NoError(t, err)
	assert.False(t, res.Interactive())
	assert.Equal(t, []string{"a1"}, ids(res.Resolved))
	assert.Zero(t, f.Sessions())
	assert.Empty(t, cb.all())
}

func TestResolveOneAmbiguousTarget(t *testing.T) {
	t.Parallel()
	f, _, bus := newFlow(t, Config{})
	events, unsub := bus.Subscribe(8)
	defer unsub()

	var cb completions
	source := &economy.Entity{ID: "giver"}
	res, err := f.Resolve(context.Background(), Request{
		Tenant:     tenant,
		Targets:    []economy.UserID{userA, userB},
		Source:     source,
		Context:    "reply-to-42",
		Requester:  requester,
		OnComplete: cb.record,
	})
	require.NoError(t, err)
	require.True(t, res.Interactive())
	assert.Nil(t, res.Resolved)

	p := res.Prompt
	assert.Equal(t, userB, p.Target)
	assert.Equal(t, []Option{{EntityID: "b1", Label: "char b1"}, {EntityID: "b2", Label: "char b2"}}, p.Options)
	assert.Zero(t, p.Remaining)
	assert.True(t, f.cache.has(p.Token))

	sel := f.Select(context.Background(), p.Token, requester, "b2")
	assert.Equal(t, Ack, sel.Kind)
	require.NotNil(t, sel.Prompt)
	assert.Equal(t, "b2", sel.Prompt.Chosen)
	assert.Empty(t, cb.all())

	done := f.Confirm(context.Background(), p.Token, requester)
	require.Equal(t, Done, done.Kind)
	assert.Equal(t, []string{"a1", "b2"}, ids(done.Selected))
	assert.False(t, f.cache.has(p.Token))
	assert.Zero(t, f.Sessions())

	got := cb.all()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a1", "b2"}, ids(got[0].Selected))
	assert.Equal(t, "reply-to-42", got[0].Context)
	assert.Same(t, source, got[0].Source)
	assert.Equal(t, requester, got[0].Requester)
	assert.Equal(t, tenant, got[0].Tenant)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.SelectionCompleted, ev.Type)
		assert.Equal(t, []string{"a1", "b2"}, ev.Data.(eventbus.SelectionOutcome).Entities)
	case <-time.After(time.Second):
		t.Fatal("no selection.completed event")
	}

	// The session is gone; further events see it as expired.
	assert.Equal(t, Expired, f.Confirm(context.Background(), p.Token, requester).Kind)
	assert.Len(t, cb.all(), 1)
}

func TestResolveNoActiveEntityAborts(t *testing.T) {
	t.Parallel()
	f, src, _ := newFlow(t, Config{})

	_, err := f.Resolve(context.Background(), Request{
		Tenant:    tenant,
		Targets:   []economy.UserID{userA, nobody, userB},
		Requester: requester,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActiveEntity)
	var nae *NoActiveEntityError
	require.ErrorAs(t, err, &nae)
	assert.Equal(t, nobody, nae.User)

	assert.Zero(t, f.Sessions())
	assert.Equal(t, []economy.UserID{userA, nobody}, src.queried())
}

func TestResolveStoreError(t *testing.T) {
	t.Parallel()
	f, src, _ := newFlow(t, Config{})
	src.err = errors.New("db down")

	_, err := f.Resolve(context.Background(), Request{Tenant: tenant, Targets: []economy.UserID{userB}, Requester: requester})
	require.Error(t, err)
	assert.ErrorContains(t, err, "db down")
	assert.Zero(t, f.Sessions())
}

func TestResolveNoTargets(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	_, err := f.Resolve(context.Background(), Request{Tenant: tenant, Requester: requester})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestResolveCollapsesDuplicateTargets(t *testing.T) {
	t.Parallel()
	f, src, _ := newFlow(t, Config{})

	res, err := f.Resolve(context.Background(), Request{
		Tenant: tenant, Targets: []economy.UserID{userA, userA, userB, userA}, Requester: requester,
	})
	require.NoError(t, err)
	require.True(t, res.Interactive())
	assert.Zero(t, res.Prompt.Remaining)
	assert.Equal(t, []economy.UserID{userA, userB}, src.queried())
}

func TestConfirmWithoutChoiceIsNoop(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	var cb completions

	res, err := f.Resolve(context.Background(), Request{
		Tenant: tenant, Targets: []economy.UserID{userB, userD}, Requester: requester, OnComplete: cb.record,
	})
	require.NoError(t, err)
	token := res.Prompt.Token
	before, ok := f.cache.get(token)
	require.True(t, ok)

	resp := f.Confirm(context.Background(), token, requester)
	assert.Equal(t, Ack, resp.Kind)
	assert.Nil(t, resp.Prompt)

	after, ok := f.cache.get(token)
	require.True(t, ok)
	assert.Equal(t, before.pending, after.pending)
	assert.Equal(t, before.selected, after.selected)
	assert.Empty(t, after.choice)
	assert.Empty(t, cb.all())
}

func TestUnknownTokenIsExpired(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})

	assert.Equal(t, Expired, f.Select(context.Background(), "nope", requester, "b1").Kind)
	assert.Equal(t, Expired, f.SelectOption(context.Background(), "nope", requester, 0).Kind)
	assert.Equal(t, Expired, f.Confirm(context.Background(), "nope", requester).Kind)
	assert.Zero(t, f.Sessions())
	assert.False(t, f.cache.has("nope"))
	assert.Zero(t, f.cache.locks.size())
}

func TestSessionExpires(t *testing.T) {
	t.Parallel()
	f, _, bus := newFlow(t, Config{TTL: 40 * time.Millisecond})
	events, unsub := bus.Subscribe(8)
	defer unsub()
	var cb completions

	res, err := f.Resolve(context.Background(), Request{
		Tenant: tenant, Targets: []economy.UserID{userB}, Requester: requester, OnComplete: cb.record,
	})
	require.NoError(t, err)
	token := res.Prompt.Token

	require.Eventually(t, func() bool { return !f.cache.has(token) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, Expired, f.Select(context.Background(), token, requester, "b1").Kind)
	assert.Equal(t, Expired, f.Confirm(context.Background(), token, requester).Kind)
	assert.False(t, f.cache.has(token))
	assert.Empty(t, cb.all())

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.SelectionExpired, ev.Type)
		out := ev.Data.(eventbus.SelectionOutcome)
		assert.Equal(t, token, out.Token)
		assert.Equal(t, eventbus.ReasonTTL, out.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no selection.expired event")
	}
}

func TestCapacityEvictionIsReportedSeparately(t *testing.T) {
	t.Parallel()
	f, _, bus := newFlow(t, Config{MaxSessions: 2, TTL: time.Minute})
	events, unsub := bus.Subscribe(8)
	defer unsub()
	ctx := context.Background()

	var tokens []string
	for range 3 {
		res, err := f.Resolve(ctx, Request{Tenant: tenant, Targets: []economy.UserID{userB}, Requester: requester})
		require.NoError(t, err)
		tokens = append(tokens, res.Prompt.Token)
	}

	assert.Equal(t, 2, f.Sessions())
	assert.Equal(t, Expired, f.Select(ctx, tokens[0], requester, "b1").Kind)
	assert.Equal(t, Ack, f.Select(ctx, tokens[1], requester, "b1").Kind)
	assert.Equal(t, Ack, f.Select(ctx, tokens[2], requester, "b2").Kind)

	select {
	case ev := <-events:
		require.Equal(t, eventbus.SelectionExpired, ev.Type)
		out := ev.Data.(eventbus.SelectionOutcome)
		assert.Equal(t, tokens[0], out.Token)
		assert.Equal(t, eventbus.ReasonCapacity, out.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no selection.expired event")
	}
}

func TestSelectionRefreshesTTL(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{TTL: 400 * time.Millisecond})

	res, err := f.Resolve(context.Background(), Request{Tenant: tenant, Targets: []economy.UserID{userB}, Requester: requester})
	require.NoError(t, err)
	token := res.Prompt.Token

	time.Sleep(250 * time.Millisecond)
	require.Equal(t, Ack, f.Select(context.Background(), token, requester, "b1").Kind)
	time.Sleep(250 * time.Millisecond)

	assert.Equal(t, Done, f.Confirm(context.Background(), token, requester).Kind)
}

func TestOtherUserIsForbidden(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	var cb completions

	res, err := f.Resolve(context.Background(), Request{
		Tenant: tenant, Targets: []economy.UserID{userB}, Requester: requester, OnComplete: cb.record,
	})
	require.NoError(t, err)
	token := res.Prompt.Token

	assert.Equal(t, Forbidden, f.Select(context.Background(), token, userB, "b1").Kind)
	assert.Equal(t, Forbidden, f.SelectOption(context.Background(), token, userB, 0).Kind)
	s, _ := f.cache.get(token)
	assert.Empty(t, s.choice)

	require.Equal(t, Ack, f.Select(context.Background(), token, requester, "b1").Kind)
	assert.Equal(t, Forbidden, f.Confirm(context.Background(), token, userB).Kind)
	s, _ = f.cache.get(token)
	assert.Equal(t, "b1", s.choice)
	assert.Empty(t, cb.all())
}

func TestDisambiguationFollowsTargetOrder(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	ctx := context.Background()

	res, err := f.Resolve(ctx, Request{
		Tenant: tenant, Targets: []economy.UserID{userC, userA, userB, userD}, Requester: requester,
	})
	require.NoError(t, err)

	var seen []economy.UserID
	var remaining []int
	p := res.Prompt
	picks := map[economy.UserID]int{userC: 2, userB: 0, userD: 1}
	for {
		seen = append(seen, p.Target)
		remaining = append(remaining, p.Remaining)
		require.Equal(t, Ack, f.SelectOption(ctx, p.Token, requester, picks[p.Target]).Kind)
		resp := f.Confirm(ctx, p.Token, requester)
		if resp.Kind == Done {
			assert.Equal(t, []string{"a1", "c3", "b1", "d2"}, ids(resp.Selected))
			break
		}
		require.Equal(t, Next, resp.Kind)
		assert.Equal(t, p.Token, resp.Prompt.Token)
		p = resp.Prompt
	}
	assert.Equal(t, []economy.UserID{userC, userB, userD}, seen)
	assert.Equal(t, []int{2, 1, 0}, remaining)
}

func TestSelectOverwritesAndIgnoresUnknown(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	ctx := context.Background()

	res, err := f.Resolve(ctx, Request{Tenant: tenant, Targets: []economy.UserID{userC}, Requester: requester})
	require.NoError(t, err)
	token := res.Prompt.Token

	require.Equal(t, Ack, f.Select(ctx, token, requester, "c1").Kind)
	require.Equal(t, Ack, f.Select(ctx, token, requester, "c2").Kind)

	unknown := f.Select(ctx, token, requester, "b1")
	assert.Equal(t, Ack, unknown.Kind)
	assert.Nil(t, unknown.Prompt)
	assert.Equal(t, Ack, f.SelectOption(ctx, token, requester, 7).Kind)

	done := f.Confirm(ctx, token, requester)
	require.Equal(t, Done, done.Kind)
	assert.Equal(t, []string{"c2"}, ids(done.Selected))
}

func TestSelectOptionUsesCurrentTarget(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	ctx := context.Background()

	res, err := f.Resolve(ctx, Request{Tenant: tenant, Targets: []economy.UserID{userB, userC}, Requester: requester})
	require.NoError(t, err)
	token := res.Prompt.Token

	require.Equal(t, Ack, f.SelectOption(ctx, token, requester, 1).Kind)
	s, _ := f.cache.get(token)
	assert.Equal(t, "b2", s.choice)

	// Index 2 does not exist for userB but does for userC once confirmed.
	resp := f.SelectOption(ctx, token, requester, 2)
	assert.Equal(t, Ack, resp.Kind)
	assert.Nil(t, resp.Prompt)
	s, _ = f.cache.get(token)
	assert.Equal(t, "b2", s.choice)

	require.Equal(t, Next, f.Confirm(ctx, token, requester).Kind)
	resp = f.SelectOption(ctx, token, requester, 2)
	require.Equal(t, Ack, resp.Kind)
	require.NotNil(t, resp.Prompt)
	s, _ = f.cache.get(token)
	assert.Equal(t, "c3", s.choice)
	assert.Zero(t, f.cache.locks.size())
}

func TestConcurrentConfirmCompletesOnce(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	ctx := context.Background()
	var calls atomic.Int32

	res, err := f.Resolve(ctx, Request{
		Tenant: tenant, Targets: []economy.UserID{userB}, Requester: requester,
		OnComplete: func(context.Context, Completed) { calls.Add(1) },
	})
	require.NoError(t, err)
	token := res.Prompt.Token
	require.Equal(t, Ack, f.Select(ctx, token, requester, "b2").Kind)

	var (
		wg    sync.WaitGroup
		dones atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Confirm(ctx, token, requester).Kind == Done {
				dones.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, dones.Load())
	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, f.cache.locks.size())
}

func TestConcurrentSelectionsAreNotLost(t *testing.T) {
	t.Parallel()
	f, _, _ := newFlow(t, Config{})
	ctx := context.Background()

	res, err := f.Resolve(ctx, Request{Tenant: tenant, Targets: []economy.UserID{userC}, Requester: requester})
	require.NoError(t, err)
	token := res.Prompt.Token

	var wg sync.WaitGroup
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.SelectOption(ctx, token, requester, i%3)
		}()
	}
	wg.Wait()

	s, ok := f.cache.get(token)
	require.True(t, ok)
	assert.Contains(t, []string{"c1", "c2", "c3"}, s.choice)
}

func TestRenderPrompt(t *testing.T) {
	t.Parallel()
	token := newToken()
	assert.Len(t, token, 22)

	m, err := RenderPrompt(Prompt{
		Token:     token,
		Target:    userC,
		Options:   []Option{{EntityID: "c1", Label: "Ayla"}, {EntityID: "c2", Label: "Bren"}, {EntityID: "c3"}},
		Chosen:    "c2",
		Remaining: 1,
	})
	require.NoError(t, err)
	assert.Contains(t, m.Text, "Choose a character")
	assert.Contains(t, m.Text, `tg://user?id=30`)
	assert.Contains(t, m.Text, "<i>1 more to choose after this one.</i>")

	rm, ok := m.Opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	require.True(t, ok)
	require.Len(t, rm.InlineKeyboard, 3)
	assert.Equal(t, "Ayla", rm.InlineKeyboard[0][0].Text)
	assert.Equal(t, "✅ Bren", rm.InlineKeyboard[0][1].Text)
	assert.Equal(t, "c3", rm.InlineKeyboard[1][0].Text)
	assert.Equal(t, "sel:pick:"+token+":1", rm.InlineKeyboard[0][1].Data)
	assert.Equal(t, "sel:ok:"+token, rm.InlineKeyboard[2][0].Data)
}

func TestResponseText(t *testing.T) {
	t.Parallel()
	assert.NotEmpty(t, ResponseText(Expired))
	assert.NotEmpty(t, ResponseText(Forbidden))
	assert.Empty(t, ResponseText(Ack))
	assert.Equal(t, "done", Done.String())
}
