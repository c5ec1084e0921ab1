package concurrency

import (
	"context"
	mathrand "math/rand"
	"time"
)

// RunLoop calls fn every time wait elapses or signal fires, until ctx is done.
// fn always runs to completion. Signals received while fn is running are coalesced
// into a single follow-up call.
func RunLoop(ctx context.Context, signal <-chan struct{}, wait func() time.Duration, fn func()) {
	ch := make(chan struct{}, 1)

	if signal != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-signal:
					if !ok {
						return
					}
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	for {
		timer := time.NewTimer(wait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
		fn()
	}
}

// Jitter spreads duration by up to 5% in either direction.
func Jitter(duration time.Duration) time.Duration {
	maxJitter := int64(duration) * int64(5) / 100
	if maxJitter <= 0 {
		return duration
	}
	return duration + time.Duration(mathrand.Int63n(maxJitter*2)-maxJitter)
}
