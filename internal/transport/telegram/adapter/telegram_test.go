package adapter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(s, 10, ""))
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	s := "abcdefg<b>bold</b>"
	chunks := splitText(s, 9, "HTML")
	require.NotEmpty(t, chunks)
	assert.Equal(t, "abcdefg", chunks[0])
	assert.Equal(t, s, strings.Join(chunks, ""))
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}

func TestForwardMapsUpdates(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)

	out := make(chan kit.Update, 1)
	a.out.Store((chan<- kit.Update)(out))

	m := toMessage(&tele.Message{
		ID:      7,
		Chat:    &tele.Chat{ID: -100},
		Sender:  &tele.User{ID: 5, Username: "gm"},
		Text:    "/grant potion 2 1h",
		ReplyTo: &tele.Message{Sender: &tele.User{ID: 9}},
	})
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: m})
	a.forward(kit.Update{Kind: kit.UpdateMessage, Message: m})

	got := <-out
	assert.Equal(t, int64(9), got.Message.ReplyToFromID)
	assert.Equal(t, int64(5), got.Message.FromID)
	assert.EqualValues(t, 1, a.dropped.Load())

	require.NoError(t, a.Stop(context.Background()))
}
