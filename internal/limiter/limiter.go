// Package limiter runs independent work units with bounded parallelism.
package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds simultaneous open files and image operations.
const DefaultConcurrency = 5

// Unit is one independent piece of asynchronous work.
type Unit func(ctx context.Context) error

// Run executes units with at most n in flight and returns once every unit
// has settled. The returned slice holds each unit's error at its index. A
// failing or panicking unit never cancels or blocks the others.
//
// Cancelling ctx stops units that have not yet acquired a slot; they report
// ctx.Err(). Units already running are left to finish.
func Run(ctx context.Context, n int, units []Unit) []error {
	if n <= 0 {
		n = DefaultConcurrency
	}
	errs := make([]error, len(units))
	sem := semaphore.NewWeighted(int64(n))

	var wg sync.WaitGroup
	for i, unit := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(units); j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(i int, unit Unit) {
			defer wg.Done()
			defer sem.Release(1)
			errs[i] = runUnit(ctx, unit)
		}(i, unit)
	}
	wg.Wait()
	return errs
}

func runUnit(ctx context.Context, unit Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work unit panicked: %v", r)
		}
	}()
	return unit(ctx)
}
