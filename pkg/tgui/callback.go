package tgui

import (
	"errors"
	"fmt"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrCallbackData        = errors.New("tgui: malformed callback_data")
)

// Callback is decoded "prefix:action:arg...".
type Callback struct {
	Prefix string
	Action string
	Args   []string
}

func (c Callback) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Data joins prefix, action and args with ':'. Parts must not contain ':'.
func Data(prefix, action string, args ...string) (string, error) {
	parts := make([]string, 0, 2+len(args))
	parts = append(parts, strings.TrimSpace(prefix), strings.TrimSpace(action))
	parts = append(parts, args...)
	for _, p := range parts {
		if strings.Contains(p, ":") {
			return "", fmt.Errorf("%w: %q contains ':'", ErrCallbackData, p)
		}
	}
	s := strings.Join(parts, ":")
	if len(s) > MaxCallbackDataLen {
		return "", fmt.Errorf("%w: %d bytes", ErrCallbackDataTooLong, len(s))
	}
	return s, nil
}

// ParseData splits callback data. Telebot prefixes unique-button data with
// '\f'; it is stripped.
func ParseData(data string) (Callback, error) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Callback{}, fmt.Errorf("%w: %q", ErrCallbackData, data)
	}
	return Callback{Prefix: parts[0], Action: parts[1], Args: parts[2:]}, nil
}
