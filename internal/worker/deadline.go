package worker

import (
	"context"
	"time"

	"go.starlark.net/starlark"
)

// timeoutReason is embedded in the cancellation reason so callers can
// tell a deadline-triggered cancellation apart from a user fail()/error.
const timeoutReason = "timeout exceeded"

// withDeadline arms a timer that cancels thread's execution after d
// elapses, the same mechanism the teacher's Starlark test runner uses
// (time.AfterFunc plus thread.Cancel) rather than a context check
// sprinkled through the interpreter loop. The returned func must be
// deferred to disarm the timer once the attempt finishes normally.
func withDeadline(thread *starlark.Thread, d time.Duration) func() {
	if d <= 0 {
		return func() {}
	}
	timer := time.AfterFunc(d, func() {
		thread.Cancel(timeoutReason)
	})
	return func() { timer.Stop() }
}

// raceGo runs fn on its own goroutine and returns whichever finishes
// first: fn's own result, or ctx's deadline. Go code cannot be forced to
// stop partway through, so on a timeout fn keeps running in the
// background until it eventually returns or the worker process exits.
func raceGo(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
