// Package trigger parses and evaluates schedule trigger rules: interval
// literals like "5m" and standard cron expressions with shorthands.
package trigger

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"time"
)

// intervalPattern is the accepted interval literal grammar.
var intervalPattern = regexp.MustCompile(`^([1-9][0-9]*)(s|m|h|d)$`)

// IntervalParseError reports an invalid interval literal.
type IntervalParseError struct {
	Literal string
}

func (e *IntervalParseError) Error() string {
	return fmt.Sprintf("invalid interval %q: expected <positive integer><s|m|h|d>", e.Literal)
}

// ParseInterval parses an interval literal of the form
// <positive integer><unit> with unit in {s, m, h, d}. Empty strings, zero,
// negative, decimal and unknown-unit literals are rejected.
func ParseInterval(literal string) (time.Duration, error) {
	m := intervalPattern.FindStringSubmatch(literal)
	if m == nil {
		return 0, &IntervalParseError{Literal: literal}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &IntervalParseError{Literal: literal}
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, &IntervalParseError{Literal: literal}
}

// FormatInterval renders a duration as a canonical interval literal. It is
// the left inverse of ParseInterval on canonical literals.
func FormatInterval(d time.Duration) string {
	day := 24 * time.Hour
	switch {
	case d >= day && d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// NextTrigger computes the next interval trigger time. A nil lastCompletedAt
// means the schedule has never run and is due now. Jitter adds a random
// fraction up to jitterPct percent of the interval. Times computed in the
// past (clock skew) clamp to now.
func NextTrigger(lastCompletedAt *time.Time, interval time.Duration, jitterPct int, now time.Time) time.Time {
	if lastCompletedAt == nil {
		return now
	}
	next := lastCompletedAt.Add(interval)
	if jitterPct > 0 {
		maxJitter := time.Duration(float64(interval) * float64(jitterPct) / 100.0)
		if maxJitter > 0 {
			next = next.Add(time.Duration(rand.Int63n(int64(maxJitter) + 1)))
		}
	}
	if next.Before(now) {
		return now
	}
	return next
}
