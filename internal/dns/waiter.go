package dns

import (
	"context"
	"fmt"
	"time"
)

// Waiter polls a condition with doubling intervals until it holds or the
// timeout passes.
type Waiter struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
}

// DefaultWaiter bounds a wait at 20 seconds, polling from 500ms up to 4s.
func DefaultWaiter() Waiter {
	return Waiter{
		Timeout:     20 * time.Second,
		Interval:    500 * time.Millisecond,
		MaxInterval: 4 * time.Second,
	}
}

// WaitFor calls condition until it returns nil. On timeout the last
// condition error is wrapped into the result.
func (w Waiter) WaitFor(ctx context.Context, description string, condition func(context.Context) error) error {
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	last := condition(ctx)
	for last != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s (timeout: %v): %w", description, w.Timeout, last)
		case <-time.After(interval):
		}
		err := condition(ctx)
		if err == nil {
			return nil
		}
		// An attempt cut short by the deadline says nothing new.
		if ctx.Err() == nil {
			last = err
		}

		interval *= 2
		if w.MaxInterval > 0 && interval > w.MaxInterval {
			interval = w.MaxInterval
		}
	}
	return nil
}
