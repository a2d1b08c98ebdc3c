package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildbot/internal/economy"
	"guildbot/internal/eventbus"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu       sync.Mutex
	failures int
	out      []sent
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.out = append(f.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Tenants: Directory{
			"guild": {ChatID: -100, Threads: map[Role]int{RoleEconomy: 7, RoleLog: 9}},
			"bare":  {ChatID: -200},
		},
	}
}

func awaitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestDirectoryResolve(t *testing.T) {
	t.Parallel()
	d := testConfig().Tenants
	cases := []struct {
		tenant string
		role   Role
		want   kit.ChatTarget
		ok     bool
	}{
		{"guild", RoleEconomy, kit.ChatTarget{ChatID: -100, ThreadID: 7}, true},
		{"guild", "trade", kit.ChatTarget{ChatID: -100, ThreadID: 9}, true},
		{"bare", RoleEconomy, kit.ChatTarget{ChatID: -200}, true},
		{"-300", RoleEconomy, kit.ChatTarget{ChatID: -300}, true},
		{"unknown", RoleEconomy, kit.ChatTarget{}, false},
	}
	for _, tc := range cases {
		got, ok := d.Resolve(economy.TenantID(tc.tenant), tc.role)
		assert.Equal(t, tc.ok, ok, tc.tenant)
		assert.Equal(t, tc.want, got, tc.tenant)
	}
}

func TestPostRoutesAndRetries(t *testing.T) {
	ad := &fakeAdapter{failures: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Post(context.Background(), "guild", RoleEconomy, "granted 2 Potion to Ash"))
	awaitEvent(t, events, EventSent)

	ad.mu.Lock()
	defer ad.mu.Unlock()
	require.Len(t, ad.out, 1)
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 7}, ad.out[0].to)
	assert.Equal(t, "granted 2 Potion to Ash", ad.out[0].text)
	require.Len(t, s.Snapshot(), 1)
}

func TestPostGivesUpAfterRetryMax(t *testing.T) {
	ad := &fakeAdapter{failures: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), ad, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Post(context.Background(), "guild", RoleEconomy, "x"))
	e := awaitEvent(t, events, EventFailed)
	assert.Contains(t, e.Data.(NotificationEvent).Error, "502")
	ad.mu.Lock()
	assert.Equal(t, 7, ad.failures)
	ad.mu.Unlock()
}

func TestPostDropsWithoutRoute(t *testing.T) {
	s := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Post(context.Background(), "nowhere", RoleEconomy, "x")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestPostStates(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	off := New(cfg, &fakeAdapter{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Post(context.Background(), "guild", RoleEconomy, "x"), ErrDisabled)

	notStarted := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil)
	assert.ErrorIs(t, notStarted.Post(context.Background(), "guild", RoleEconomy, "x"), ErrStopped)

	s := New(testConfig(), &fakeAdapter{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	assert.ErrorIs(t, s.Post(context.Background(), "guild", RoleEconomy, "x"), ErrStopped)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}
