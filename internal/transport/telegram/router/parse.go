package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID is short and sortable enough for log correlation.
func newReqID() string {
	n := ridSeq.Add(1)
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" +
		strconv.FormatUint(n, 36) +
		string([]byte{alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))]})
}

// Tokenize splits a command line on whitespace. Single or double quotes group
// words and a backslash escapes the next byte:
//
//	/grant potion 2 "0 20 * * *" 42
func Tokenize(s string) []string {
	var (
		out    []string
		buf    strings.Builder
		quote  byte
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
		}
		buf.Reset()
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote, quoted = ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// ParseFlags separates positionals from --key=value and --bool flags.
// Anything not starting with "--" stays positional, negative numbers too.
func ParseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for _, a := range args {
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := a[2:]
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// commandWord strips the leading '/' and any "@botname" suffix.
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
