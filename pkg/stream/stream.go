package stream

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ChannelBuffer defines the buffer size for the channels connecting pipeline
// fragments. It provides backpressure to prevent faster stages from
// overwhelming slower ones.
const ChannelBuffer = 1024

// ============================================================================
// STREAM (LAZY BLUEPRINT)
// ============================================================================

// Stream is a lazy blueprint for a flow of fixed-width vectors.
// Nothing runs until Pipe is called by a terminal operator (or by a
// downstream pipeline consuming this stream).
type Stream[T any] struct {
	pipe func(ctx context.Context) (<-chan *Vector[T], Execution)
}

// New wraps a pipe function into a Stream. It is the extension point for
// packages that implement their own stages on top of this surface.
func New[T any](pipe func(ctx context.Context) (<-chan *Vector[T], Execution)) Stream[T] {
	return Stream[T]{pipe: pipe}
}

// Pipe starts the stream and returns its output channel plus an Execution
// handle for its lifecycle. Each vector received transfers ownership to the
// caller, which must Release it exactly once.
func (s Stream[T]) Pipe(ctx context.Context) (<-chan *Vector[T], Execution) {
	return s.pipe(ctx)
}

// ============================================================================
// SOURCE OPERATORS
// ============================================================================

// Source creates a stream from a user-provided generator function, batching
// emitted scalars into vectors of exactly width lanes. The generator runs in
// its own goroutine and should return nil on success or an error to fail the
// stream. A trailing batch narrower than width is emitted as-is; consumers
// that require full-width vectors treat that as a boundary defect.
func Source[T any](width int, gen func(emit func(T)) error) Stream[T] {
	return Stream[T]{
		pipe: func(ctx context.Context) (<-chan *Vector[T], Execution) {
			out := make(chan *Vector[T], ChannelBuffer)
			pool := NewPool[T](width)

			// Use errgroup for structured concurrency.
			g, gCtx := errgroup.WithContext(ctx)

			g.Go(func() error {
				defer close(out)
				batch := pool.Get()
				var opErr error

				// Emitter function (Continuation-Passing Style)
				emit := func(item T) {
					// Stop emitting if an error occurred or context is cancelled.
					if opErr != nil || gCtx.Err() != nil {
						return
					}

					batch.Data = append(batch.Data, item)
					if len(batch.Data) == width {
						select {
						case out <- batch:
							batch = pool.Get() // Ownership transferred.
						case <-gCtx.Done():
							opErr = gCtx.Err()
						}
					}
				}

				genErr := gen(emit)

				// Handle cleanup of the final batch.
				if genErr != nil || opErr != nil {
					batch.Release()
					if genErr != nil {
						return genErr
					}
					return opErr
				}

				// Flush remaining items.
				if len(batch.Data) > 0 {
					select {
					case out <- batch:
					case <-gCtx.Done():
						batch.Release()
						return gCtx.Err()
					}
				} else {
					batch.Release()
				}
				return nil
			})

			return out, ExecutionFromGroup(g)
		},
	}
}

// FromSlice creates a stream over the elements of data, vectorized into
// width-lane vectors.
func FromSlice[T any](width int, data []T) Stream[T] {
	return Source(width, func(emit func(T)) error {
		for _, item := range data {
			emit(item)
		}
		return nil
	})
}

// ============================================================================
// TERMINALS (SINKS / FOLDS)
// ============================================================================

// Reduce consumes the entire stream and folds the lanes of every vector, in
// order, into a single accumulator. It blocks until the stream is exhausted,
// the context is cancelled, or an error occurs.
func Reduce[T, Acc any](
	ctx context.Context,
	s Stream[T],
	init Acc,
	fn func(Acc, T) Acc,
) (Acc, error) {
	// Create a cancellable context for the execution. If the processing loop
	// is cancelled externally, the pipeline must still shut down gracefully.
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	dataCh, exec := s.Pipe(execCtx)
	acc := init

loop:
	for {
		select {
		case batch, ok := <-dataCh:
			if !ok {
				break loop // Data stream finished.
			}
			for _, item := range batch.Data {
				acc = fn(acc, item)
			}
			batch.Release()
		case <-ctx.Done():
			// External cancellation; cancelExec (deferred) initiates shutdown.
			break loop
		}
	}

	// Wait for the entire pipeline execution to complete and check for errors.
	<-exec.Done
	if err := exec.Err(); err != nil {
		// Prioritize the internal error over the cancellation signal.
		if ctx.Err() == nil || (err != context.Canceled && err != context.DeadlineExceeded) {
			return acc, err
		}
	}

	return acc, ctx.Err()
}

// Collect gathers every element of the stream into a slice, preserving order.
func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	return Reduce(ctx, s, nil, func(acc []T, item T) []T {
		return append(acc, item)
	})
}

// Discard consumes the stream, releasing every vector, and returns the number
// of elements seen. Useful for benchmarks and for running side-effect
// pipelines to completion.
func Discard[T any](ctx context.Context, s Stream[T]) (int, error) {
	return Reduce(ctx, s, 0, func(acc int, _ T) int {
		return acc + 1
	})
}
