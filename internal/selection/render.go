package selection

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"guildbot/pkg/tgui"
)

// Callback data is "sel:pick:<token>:<option index>" and "sel:ok:<token>".
// The option index keeps long entity ids out of the 64 byte limit.
const (
	CallbackPrefix = "sel"
	ActionPick     = "pick"
	ActionConfirm  = "ok"
)

const maxLabelRunes = 32

func PickData(token string, index int) (string, error) {
	return tgui.Data(CallbackPrefix, ActionPick, token, strconv.Itoa(index))
}

func ConfirmData(token string) (string, error) {
	return tgui.Data(CallbackPrefix, ActionConfirm, token)
}

// RenderPrompt draws the candidate menu for the prompt's target plus a
// confirm button. The chosen option, if any, is marked.
func RenderPrompt(p Prompt) (tgui.Message, error) {
	btns := make([]tele.Btn, 0, len(p.Options))
	for i, o := range p.Options {
		data, err := PickData(p.Token, i)
		if err != nil {
			return tgui.Message{}, err
		}
		label := tgui.TruncRunes(o.Label, maxLabelRunes)
		if label == "" {
			label = o.EntityID
		}
		if o.EntityID == p.Chosen {
			label = "✅ " + label
		}
		btns = append(btns, tgui.Btn(label, data))
	}
	ok, err := ConfirmData(p.Token)
	if err != nil {
		return tgui.Message{}, err
	}
	kb := tgui.NewInline().Grid(2, btns...).Row(tgui.Btn("Confirm", ok))

	b := tgui.New().
		Title("🎯", "Choose a character").
		RawLine(tgui.H("For " + tgui.Mention("", int64(p.Target)).String() + ", pick one and press Confirm."))
	if p.Remaining > 0 {
		b.RawLine(tgui.I(fmt.Sprintf("%d more to choose after this one.", p.Remaining)))
	}
	return b.Inline(kb).Build(), nil
}

// ResponseText is the short callback answer for a response kind.
func ResponseText(k ResponseKind) string {
	switch k {
	case Expired:
		return "This selection has expired."
	case Forbidden:
		return "This selection belongs to someone else."
	default:
		return ""
	}
}
