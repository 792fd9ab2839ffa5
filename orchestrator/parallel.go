package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// runParallel runs fn for each task with at most maxConcurrent in flight
// and delay between launches. Launching stops as soon as launchCtx is done;
// tasks already running keep ctx. A panic inside fn is recovered and
// returned as the first error. It returns how many tasks were launched.
func runParallel[T any](ctx, launchCtx context.Context, tasks []T, maxConcurrent int, delay time.Duration, fn func(context.Context, T) error) (int, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	record := func(err error) {
		errOnce.Do(func() {
			firstErr = err
		})
	}

	launched := 0
launch:
	for i, task := range tasks {
		if launchCtx.Err() != nil {
			break
		}

		// Delay between launching tasks (skip first)
		if i > 0 && delay > 0 {
			select {
			case <-launchCtx.Done():
				break launch
			case <-time.After(delay):
			}
		}

		select {
		case sem <- struct{}{}:
		case <-launchCtx.Done():
			break launch
		}
		wg.Add(1)
		launched++

		go func(t T) {
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("batch task panicked: %v", r))
				}
				<-sem
				wg.Done()
			}()

			if err := fn(ctx, t); err != nil {
				record(err)
			}
		}(task)
	}

	wg.Wait()
	return launched, firstErr
}
