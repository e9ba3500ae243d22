package license

import (
	"strconv"
	"time"
)

const (
	// DefaultDays is applied when the requested duration is missing or
	// unparseable.
	DefaultDays = 1
	// DebugDuration is the short-lived diagnostic license window.
	DebugDuration = 2 * time.Minute
)

// Term is a resolved license validity window. Day-based terms use calendar
// arithmetic rather than a time.Duration, so arbitrarily large day counts
// never overflow int64 nanoseconds.
type Term struct {
	days  int
	exact time.Duration
}

// ExpirationFrom returns the expiration of a license issued at now.
func (t Term) ExpirationFrom(now time.Time) time.Time {
	if t.exact != 0 {
		return now.Add(t.exact)
	}
	return now.AddDate(0, 0, t.days)
}

// ResolveTerm maps a requested duration string to a validity window.
// "debug" yields a two-minute diagnostic license; any integer N yields N
// days (no upper bound is enforced, and a negative N yields an already
// expired license); everything else falls back to one day. It never fails.
func ResolveTerm(input string) Term {
	if input == "debug" {
		return Term{exact: DebugDuration}
	}
	days, err := strconv.Atoi(input)
	if err != nil {
		return Term{days: DefaultDays}
	}
	return Term{days: days}
}
