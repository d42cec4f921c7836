// Package window computes cadence windows for commitment contracts.
//
// Windows are calendar aligned in the supplied location: a daily window runs
// from local midnight to 23:59:59.999, a weekly window from Monday midnight to
// the following Sunday 23:59:59.999. All arithmetic goes through AddDate so a
// day that is 23 or 25 hours long because of a DST change still counts as one.
package window

import (
	"fmt"
	"time"

	"pledgeline/internal/domain"
)

// Window is one instance of a cadence period.
type Window struct {
	Start time.Time
	End   time.Time
}

func days(c domain.Cadence) (int, error) {
	switch c {
	case domain.CadenceDaily:
		return 1, nil
	case domain.CadenceWeekly:
		return 7, nil
	default:
		return 0, fmt.Errorf("invalid cadence %q", c)
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// endOf returns the last millisecond before the window starting at start closes.
func endOf(start time.Time, n int) time.Time {
	return start.AddDate(0, 0, n).Add(-time.Millisecond)
}

// Current returns the window containing ref, evaluated in loc.
func Current(c domain.Cadence, ref time.Time, loc *time.Location) (Window, error) {
	n, err := days(c)
	if err != nil {
		return Window{}, err
	}
	if loc != nil {
		ref = ref.In(loc)
	}
	start := midnight(ref)
	if c == domain.CadenceWeekly {
		// time.Weekday has Sunday as 0; shift so Monday is 0.
		offset := (int(start.Weekday()) + 6) % 7
		start = start.AddDate(0, 0, -offset)
	}
	return Window{Start: start, End: endOf(start, n)}, nil
}

// Advance returns the window k periods after the one starting at start.
func Advance(c domain.Cadence, start time.Time, k int) (Window, error) {
	n, err := days(c)
	if err != nil {
		return Window{}, err
	}
	next := start.AddDate(0, 0, n*k)
	return Window{Start: next, End: endOf(next, n)}, nil
}

// NextOnOrAfter returns the first calendar-aligned window that starts at or
// after t.
func NextOnOrAfter(c domain.Cadence, t time.Time, loc *time.Location) (Window, error) {
	w, err := Current(c, t, loc)
	if err != nil {
		return Window{}, err
	}
	if w.Start.Before(t) {
		return Advance(c, w.Start, 1)
	}
	return w, nil
}

// Elapsed returns how many full periods have completed between start and now.
// It is zero while now is still inside the first window or before start.
func Elapsed(c domain.Cadence, start, now time.Time) (int, error) {
	n, err := days(c)
	if err != nil {
		return 0, err
	}
	if now.Before(start) {
		return 0, nil
	}
	approx := int(now.Sub(start) / (time.Duration(n) * 24 * time.Hour))
	// Correct the duration-based estimate by at most a step either way; DST
	// shifts are an hour, never a whole period.
	for approx > 0 && start.AddDate(0, 0, n*approx).After(now) {
		approx--
	}
	for !start.AddDate(0, 0, n*(approx+1)).After(now) {
		approx++
	}
	return approx, nil
}
