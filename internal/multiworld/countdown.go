package multiworld

import (
	"context"
	"strconv"
	"time"
)

// Countdown emits numbered countdown chat lines at wall-clock aligned
// one-second steps, then "GO!". It runs on the caller's goroutine and
// is meant to be launched detached so the count continues even if the
// player who started it disconnects. Steps are scheduled against the
// start instant rather than chained sleeps, so drift does not
// accumulate over long counts.
func (r *Router) Countdown(ctx context.Context, sess *Session, seconds int) error {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	start := time.Now()
	for i := seconds; i > 0; i-- {
		due := start.Add(time.Duration(seconds-i) * time.Second)
		if wait := time.Until(due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := r.SystemChat(ctx, sess, strconv.Itoa(i), "countdown", Broadcast); err != nil {
			return err
		}
	}

	due := start.Add(time.Duration(seconds) * time.Second)
	if wait := time.Until(due); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.SystemChat(ctx, sess, "GO!", "countdown", Broadcast)
}
