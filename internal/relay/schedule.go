package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock uses the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Schedule is a fixed grid of ticks at k*Period + Offset on absolute Unix
// time, so restarts land on the same instants regardless of start time.
type Schedule struct {
	Period time.Duration
	Offset time.Duration
}

// Validate checks Period > 0 and 0 <= Offset < Period.
func (s Schedule) Validate() error {
	if s.Period <= 0 {
		return errors.New("schedule: period must be positive")
	}
	if s.Offset < 0 || s.Offset >= s.Period {
		return fmt.Errorf("schedule: offset %s must be in [0, %s)", s.Offset, s.Period)
	}
	return nil
}

// Next returns the next grid instant after now. If now falls before the
// offset point of its own period that point is returned, otherwise the
// offset point of the following period. A now exactly on the grid yields
// the following tick.
func (s Schedule) Next(now time.Time) time.Time {
	p := int64(s.Period)
	o := int64(s.Offset)
	n := now.UnixNano()

	start := floorDiv(n, p) * p
	next := start + p + o
	if n < start+o {
		next = start + o
	}
	return time.Unix(0, next).In(now.Location())
}

// Wait blocks until the next tick after both the clock and last, and
// returns it. Missed ticks are never replayed: an overrun iteration simply
// waits for the following grid point. Passing the previous tick as last
// keeps a wall clock that steps backwards from firing the same tick twice;
// the zero time means no previous tick.
func (s Schedule) Wait(ctx context.Context, clock Clock, last time.Time) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	now := clock.Now()
	next := s.Next(now)
	if !last.IsZero() && !next.After(last) {
		next = s.Next(last)
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}

	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-clock.After(d):
		return next, nil
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
