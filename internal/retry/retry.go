// Package retry centralises the classify-then-retry-or-drop policy applied to
// playback primitive operations.
package retry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Action is the outcome of classifying an error.
type Action int

const (
	// Retry the operation if attempts remain.
	Retry Action = iota
	// Drop stops retrying and reports success: the failure is expected.
	Drop
	// Fail stops retrying and reports the error.
	Fail
)

// Policy describes how many times an operation is attempted and how its
// errors are classified. The zero value attempts once and fails on any error.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	Classify    func(error) Action
	Clock       clock.Clock
}

// Do runs fn until it succeeds, the classifier drops or fails the error, or
// the attempts are used up. It returns the last error that was not dropped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(p.Backoff):
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		action := Fail
		if p.Classify != nil {
			action = p.Classify(err)
		}
		switch action {
		case Drop:
			return nil
		case Fail:
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
