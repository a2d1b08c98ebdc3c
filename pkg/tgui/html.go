package tgui

import (
	"fmt"
	"html"
)

// H is HTML already safe for ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Mention links a user id; name falls back to the id.
func Mention(name string, userID int64) H {
	if name == "" {
		name = fmt.Sprint(userID)
	}
	return H(fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name)))
}
