package tgui

import (
	"context"
	"strings"

	kit "guildbot/internal/transport"
)

// Message is rendered text plus its send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) options() *kit.SendOptions {
	if m.Opt == nil {
		return &kit.SendOptions{}
	}
	return m.Opt
}

func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	return ad.SendText(ctx, to, m.Text, m.options())
}

func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef) error {
	return ad.EditText(ctx, ref, m.Text, m.options())
}

// Builder assembles a message line by line. Defaults to ParseMode HTML with
// link previews disabled; text passed to Line, Title and KV is escaped.
type Builder struct {
	html  bool
	rm    *Inline
	lines []string
}

func New() *Builder { return &Builder{html: true} }

// Plain switches to unformatted text.
func (b *Builder) Plain() *Builder {
	b.html = false
	return b
}

func (b *Builder) Inline(kb *Inline) *Builder {
	b.rm = kb
	return b
}

func (b *Builder) text(s string) string {
	if b.html {
		return Esc(s).String()
	}
	return s
}

func (b *Builder) Title(emoji, title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	line := b.text(title)
	if b.html {
		line = B(title).String()
	}
	if e := strings.TrimSpace(emoji); e != "" {
		line = b.text(e) + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, b.text(s))
	return b
}

// RawLine appends s unescaped. Use with H values.
func (b *Builder) RawLine(s H) *Builder {
	b.lines = append(b.lines, s.String())
	return b
}

func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.lines = append(b.lines, "• "+b.text(it))
		}
	}
	return b
}

func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	k := b.text(key)
	if b.html {
		k = B(key).String()
	}
	b.lines = append(b.lines, "• "+k+": "+b.text(strings.TrimSpace(value)))
	return b
}

func (b *Builder) Build() Message {
	opt := &kit.SendOptions{DisablePreview: true}
	if b.html {
		opt.ParseMode = "HTML"
	}
	if b.rm != nil && b.rm.Rows() > 0 {
		opt.ReplyMarkupAdapter = b.rm.Markup()
	}
	return Message{Text: strings.Trim(strings.Join(b.lines, "\n"), "\n"), Opt: opt}
}
