package fleetagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	supervisorInitialBackoff = 200 * time.Millisecond
	supervisorMaxBackoff     = 30 * time.Second
)

// GroupGoSafe runs worker in an errgroup goroutine and restarts it with
// exponential backoff if it panics. A panic never cancels sibling goroutines;
// a returned error keeps errgroup semantics and cancels the group's derived
// context. Cancelling ctx stops the restart loop so Wait() returns promptly.
//
// Panic reports go straight to stderr: the panic may have come from the
// logging stack itself.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, worker func(context.Context) error) {
	if group == nil || worker == nil {
		return
	}
	group.Go(func() error {
		backoff := supervisorInitialBackoff
		for {
			if ctx != nil && ctx.Err() != nil {
				return nil
			}
			err, panicked := runContained(ctx, name, worker)
			if !panicked {
				return err
			}
			time.Sleep(backoff + supervisorJitter(backoff))
			backoff *= 2
			if backoff > supervisorMaxBackoff {
				backoff = supervisorMaxBackoff
			}
		}
	})
}

// runContained invokes worker once, converting a panic into a flag instead of
// letting it unwind into the errgroup.
func runContained(ctx context.Context, name string, worker func(context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, r, debug.Stack())
		}
	}()
	return worker(ctx), false
}

// supervisorJitter derives a small deterministic jitter without math/rand.
func supervisorJitter(backoff time.Duration) time.Duration {
	span := backoff / 2
	if span <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(span))
}
