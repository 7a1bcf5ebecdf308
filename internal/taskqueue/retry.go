package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// retrier bounds retry of transient store errors (spec §4.1 failure
// handling, §4.3 backoff-on-find-error). It is reused by the CAS engine,
// the watcher's find step, and index creation.
type retrier struct {
	maxAttempts int
	baseDelay   time.Duration
}

func newRetrier(maxAttempts int, baseDelay time.Duration) retrier {
	return retrier{maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// do runs fn, retrying while the error is classified transient, up to
// maxAttempts total tries. Context cancellation initiated by the caller
// returns immediately and unwrapped. Every other non-transient error —
// whether rejected on the first attempt or surviving to exhaustion —
// comes back wrapped in ErrInternalStore, per its documented contract.
func (r retrier) do(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
			return last
		}
		if !isTransient(last) {
			return fmt.Errorf("%w: %v", ErrInternalStore, last)
		}
		if attempt == r.maxAttempts-1 {
			break
		}
		delay := r.baseDelay * time.Duration(1<<uint(attempt))
		delay += time.Duration(rand.Int63n(int64(r.baseDelay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", ErrInternalStore, last)
}

// temporary is the net.Error idiom: any error the store layer chooses to
// mark retryable this way is treated as transient, same as a recognized
// mongo-driver network/timeout error.
type temporary interface {
	Temporary() bool
}

// isTransient classifies a driver error as worth retrying: network
// errors and driver-level timeouts, not semantic rejections or context
// cancellation initiated by the caller.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Labels != nil && hasLabel(cmdErr.Labels, "RetryableWriteError")
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var temp temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
