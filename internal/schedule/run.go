package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jveski/fleetpull/internal/concurrency"
	"github.com/jveski/fleetpull/internal/logging"
)

// Runner drives jobs in the foreground for hosts without a usable system scheduler.
type Runner struct {
	Jobs []JobSpec
	Fn   func(ctx context.Context, job JobSpec)
	Now  func() time.Time

	// Initial runs interval jobs once at startup instead of waiting a full interval.
	Initial bool
}

// Run drives each job in its own loop until ctx is done. A job that is running when ctx
// is canceled is allowed to finish; Run returns once every loop has stopped.
func (r *Runner) Run(ctx context.Context) {
	logger := logging.WithComponent("schedule")

	// jobs keep running to completion after the scheduler is asked to stop
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, job := range r.Jobs {
		job := job
		var signal chan struct{}
		if r.Initial && job.Trigger.Kind == Interval {
			signal = make(chan struct{}, 1)
			signal <- struct{}{}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			concurrency.RunLoop(ctx, signal, func() time.Duration {
				return r.wait(job.Trigger)
			}, func() {
				logger.Debug().Str("job", job.Name).Msg("running scheduled job")
				r.Fn(jobCtx, job)
			})
		}()
	}
	wg.Wait()
}

func (r *Runner) wait(t Trigger) time.Duration {
	if t.Kind == Interval {
		return concurrency.Jitter(t.Every)
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	return t.Next(now).Sub(now)
}

// Run is shorthand for driving jobs with fn.
func Run(ctx context.Context, jobs []JobSpec, fn func(ctx context.Context, job JobSpec)) {
	(&Runner{Jobs: jobs, Fn: fn, Initial: true}).Run(ctx)
}
