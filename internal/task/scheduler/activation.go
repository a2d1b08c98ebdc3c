package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ActivationSource tells which form an activation expression used.
type ActivationSource string

const (
	SourceAbsolute ActivationSource = "absolute"
	SourceDuration ActivationSource = "duration"
	SourceHHMM     ActivationSource = "hhmm"
	SourceCron     ActivationSource = "cron"
)

// Activation is a parsed activation expression.
type Activation struct {
	At     time.Time
	Source ActivationSource
}

var (
	reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

	// SecondOptional accepts both 5- and 6-field specs.
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	absoluteLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04"}
)

// ParseActivation turns a user expression into an absolute due time.
//
// Supported forms:
//   - RFC3339, or "2006-01-02 15:04" in loc: that instant
//   - Go duration ("90m", "2h30m"): now + duration
//   - HH:MM ("00:50", "26:00"): now + hours and minutes
//   - cron ("0 20 * * *", "@daily", "@every 55m"), optionally prefixed with
//     "cron:": the next fire time after now in loc
//
// Times not after now are rejected.
func ParseActivation(raw string, now time.Time, loc *time.Location) (Activation, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return Activation{}, fmt.Errorf("activation time required")
	}

	a, err := parseActivation(s, now, loc)
	if err != nil {
		return Activation{}, err
	}
	if !a.At.After(now) {
		return Activation{}, fmt.Errorf("activation time %s is not in the future", a.At.In(loc).Format(time.RFC3339))
	}
	return a, nil
}

func parseActivation(s string, now time.Time, loc *time.Location) (Activation, error) {
	if expr, ok := cutPrefixFold(s, "cron:"); ok {
		return nextCron(expr, now, loc)
	}
	if strings.ContainsAny(s, " \t") && !looksAbsolute(s) || strings.HasPrefix(s, "@") {
		return nextCron(s, now, loc)
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Activation{At: t, Source: SourceAbsolute}, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return Activation{At: t, Source: SourceAbsolute}, nil
		}
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Activation{}, fmt.Errorf("invalid minutes in %q", s)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Activation{}, fmt.Errorf("offset must be > 0")
		}
		return Activation{At: now.Add(d), Source: SourceHHMM}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Activation{}, fmt.Errorf("duration must be > 0")
		}
		return Activation{At: now.Add(d), Source: SourceDuration}, nil
	}

	return Activation{}, fmt.Errorf(
		"invalid activation %q (use a duration like '90m', HH:MM like '02:30', a date like '2026-01-02 20:00', or cron like '0 20 * * *')",
		s,
	)
}

func nextCron(expr string, now time.Time, loc *time.Location) (Activation, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Activation{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Activation{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return Activation{}, fmt.Errorf("cron %q never fires", expr)
	}
	return Activation{At: next, Source: SourceCron}, nil
}

// looksAbsolute reports a "YYYY-MM-DD HH:MM" date, which contains a space but
// is not cron.
func looksAbsolute(s string) bool {
	return len(s) == len("2006-01-02 15:04") && s[4] == '-' && s[7] == '-' && s[10] == ' '
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
