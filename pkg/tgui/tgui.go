package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Grid appends buttons in rows of cols.
func (i *Inline) Grid(cols int, btn ...tele.Btn) *Inline {
	if cols <= 0 {
		cols = 1
	}
	for start := 0; start < len(btn); start += cols {
		end := min(start+cols, len(btn))
		i.Row(btn[start:end]...)
	}
	return i
}

func (i *Inline) Rows() int { return len(i.rows) }

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Btn is a callback button. data is used verbatim; build it with Data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}
