// Package dispatch drives claimed inbox and outbox records through their
// handler or notifier and records the outcome.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/angelmondragon/chatrelay/pkg/retry"
)

// invoke runs fn under a fresh timeout. The dispatch context is detached from
// ctx's cancellation so a shutdown does not abort a send that is already in
// flight; the timeout alone bounds it. A panic becomes a permanent failure.
func invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) error) (err error) {
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("dispatch panic: %v\n%s", r, debug.Stack()))
		}
	}()

	return fn(dispatchCtx)
}
