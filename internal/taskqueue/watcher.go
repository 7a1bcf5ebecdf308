package taskqueue

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Watcher is the lazy, cooperatively-cancellable sequence of eligible
// tasks described in spec §4.3. It does not mark a task started; the
// consumer must call Engine.Start, and the loser of a race should call
// Next again.
type Watcher struct {
	store       Store
	clock       Clock
	retry       retrier
	limiter     *rate.Limiter
	exitOnEmpty bool
	stop        chan struct{}
}

// WatcherOption customizes Watcher construction.
type WatcherOption func(*Watcher)

// WithExitOnEmpty makes Next return (nil, nil) the first time a poll
// finds nothing eligible, instead of idling and retrying.
func WithExitOnEmpty() WatcherOption {
	return func(w *Watcher) { w.exitOnEmpty = true }
}

// WithPollRate caps this Watcher's poll attempts per second (SPEC_FULL §5).
// Each Watcher has its own limiter, so a process running N Watchers polls
// up to N times this rate in total.
func WithPollRate(pollsPerSecond float64) WatcherOption {
	return func(w *Watcher) {
		if pollsPerSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(pollsPerSecond), 1)
		}
	}
}

// NewWatcher builds a Watcher over store. Multiple Watchers may be
// constructed against the same store; they do not coordinate with each
// other in-process — coordination is entirely at the document level via
// CAS (spec §5).
func NewWatcher(store Store, clock Clock, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store: store,
		clock: clock,
		retry: newRetrier(5, 50*time.Millisecond),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Stop signals the watcher's loop to terminate. Safe to call more than
// once and from a goroutine other than the one calling Next.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Next runs one iteration of the watcher loop (spec §4.3):
//  1. if stopped, terminate.
//  2. record fetched_at.
//  3. run the eligibility find; if a document matched, return it.
//  4. if nothing matched and exit-on-empty, terminate.
//  5. if the poll completed within the same UNIX second, wait on the
//     stop signal with a 1-second timeout; otherwise poll again
//     immediately.
//
// Returns (nil, nil) when the sequence has terminated (stopped, or
// exit-on-empty with nothing found). A non-transient store error aborts
// the sequence with ErrInternalStore.
func (w *Watcher) Next(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-w.stop:
			return nil, nil
		default:
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		fetchedAt := w.clock.NowUnix()

		pollStart := time.Now()
		var t *Task
		err := w.retry.do(ctx, func() error {
			var err error
			t, err = w.store.FindNextEligible(ctx, fetchedAt)
			return err
		})
		WatcherPollDuration.Observe(time.Since(pollStart).Seconds())
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if w.exitOnEmpty {
			return nil, nil
		}

		if w.clock.NowUnix() == fetchedAt {
			select {
			case <-w.stop:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}
