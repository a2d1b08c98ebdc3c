package tgui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := Data("sel", "pick", "tok", "2")
	require.NoError(t, err)
	assert.Equal(t, "sel:pick:tok:2", s)

	cb, err := ParseData("\f" + s)
	require.NoError(t, err)
	assert.Equal(t, "sel", cb.Prefix)
	assert.Equal(t, "pick", cb.Action)
	assert.Equal(t, "tok", cb.Arg(0))
	assert.Equal(t, "2", cb.Arg(1))
	assert.Equal(t, "", cb.Arg(2))
}

func TestDataRejects(t *testing.T) {
	t.Parallel()
	_, err := Data("sel", "pick", "a:b")
	assert.ErrorIs(t, err, ErrCallbackData)

	_, err = Data("sel", "pick", strings.Repeat("x", MaxCallbackDataLen))
	assert.ErrorIs(t, err, ErrCallbackDataTooLong)

	for _, raw := range []string{"", "sel", ":pick", "sel:"} {
		_, err := ParseData(raw)
		assert.ErrorIs(t, err, ErrCallbackData, raw)
	}
}

func TestBuilderEscapes(t *testing.T) {
	t.Parallel()
	m := New().Title("🎯", "Pick <one>").Line("a & b").KV("qty", "3").Build()
	assert.Equal(t, "🎯 <b>Pick &lt;one&gt;</b>\na &amp; b\n• <b>qty</b>: 3", m.Text)
	assert.Equal(t, "HTML", m.Opt.ParseMode)
	assert.Nil(t, m.Opt.ReplyMarkupAdapter)

	plain := New().Plain().Line("a & b").Build()
	assert.Equal(t, "a & b", plain.Text)
	assert.Empty(t, plain.Opt.ParseMode)
}

func TestInlineGrid(t *testing.T) {
	t.Parallel()
	kb := NewInline().Grid(2, Btn("a", "x:a"), Btn("b", "x:b"), Btn("c", "x:c")).Row(Btn("ok", "x:ok"))
	assert.Equal(t, 3, kb.Rows())

	m := New().Line("hi").Inline(kb).Build()
	rm, ok := m.Opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	require.True(t, ok)
	require.Len(t, rm.InlineKeyboard, 3)
	assert.Len(t, rm.InlineKeyboard[0], 2)
	assert.Len(t, rm.InlineKeyboard[1], 1)
	assert.Equal(t, "x:ok", rm.InlineKeyboard[2][0].Data)
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", TruncRunes("abc", 3))
	assert.Equal(t, "ab…", TruncRunes("abcdef", 3))
	assert.Equal(t, "ké…", TruncRunes("kéllo", 3))
	assert.Equal(t, "", TruncRunes("abc", 0))
}
