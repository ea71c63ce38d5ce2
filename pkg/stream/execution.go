package stream

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// EXECUTION UTILITIES
// ============================================================================

// Execution is a handle on a running pipeline fragment. Done is closed when
// the fragment has fully terminated; Err must only be called after Done.
type Execution struct {
	Done <-chan struct{}
	Err  func() error
}

// DrainChannel consumes and releases all vectors from a channel until it is
// closed. This is critical for preventing upstream deadlocks during failures
// or cancellation, by ensuring producers do not block on a full channel.
func DrainChannel[T any](ch <-chan *Vector[T]) {
	for vec := range ch {
		vec.Release()
	}
}

// ExecutionFromGroup creates an Execution handle from an errgroup.Group.
// It starts a goroutine to wait for the group to complete and captures the result.
func ExecutionFromGroup(g *errgroup.Group) Execution {
	done := make(chan struct{})
	var execErr error
	go func() {
		execErr = g.Wait()
		close(done)
	}()
	return Execution{
		Done: done,
		Err:  func() error { return execErr },
	}
}

// ExecutionFromChan creates an Execution handle from a done channel.
// This is useful for treating a simple signal channel as a full Execution.
func ExecutionFromChan(done <-chan struct{}) Execution {
	return Execution{Done: done, Err: func() error { return nil }}
}

// CombineExecutions merges multiple execution handles into a single Execution.
// It ensures correct ordering: Wait for Primary -> Run Cleanup -> Wait for
// Dependencies (e.g. parent stages, drainers).
func CombineExecutions(primary Execution, cleanup func(), dependencies ...Execution) Execution {
	done := make(chan struct{})
	var combinedErr error
	var mu sync.Mutex

	captureErr := func(err error) {
		if err != nil {
			mu.Lock()
			defer mu.Unlock()
			if combinedErr == nil {
				combinedErr = err
			}
		}
	}

	go func() {
		defer close(done)

		// 1. Wait for the primary execution (e.g., workers).
		<-primary.Done
		captureErr(primary.Err())

		// 2. Run cleanup (e.g., close output channels).
		if cleanup != nil {
			cleanup()
		}

		// 3. Wait for all dependencies.
		var wg sync.WaitGroup
		for _, dep := range dependencies {
			if dep.Done == nil {
				continue
			}
			wg.Add(1)
			go func(e Execution) { defer wg.Done(); <-e.Done; captureErr(e.Err()) }(dep)
		}
		wg.Wait()
	}()

	return Execution{
		Done: done,
		Err: func() error {
			mu.Lock()
			defer mu.Unlock()
			return combinedErr
		},
	}
}
