package norm

import (
	"fmt"

	"github.com/tafk7/finn/pkg/stream"
	"github.com/tafk7/finn/pkg/stream/queue"
)

// ============================================================================
// WINDOWED ACCUMULATION
// ============================================================================

// accumulator is the running reduction state for the window in flight.
// It is owned exclusively by one stage and cycles back to zero every time the
// element count reaches the window length.
type accumulator[T Scalar] struct {
	n     int // window length in scalar elements
	count int // elements accumulated so far in the current window
	sum   T
}

// add folds one vector's partial sum into the window. When the window
// completes it returns the finalized statistic sum/n (true division; n need
// not be a power of two) and resets for the next window.
func (a *accumulator[T]) add(partial T, lanes int) (T, bool, error) {
	a.sum += partial
	a.count += lanes
	if a.count > a.n {
		return 0, false, fmt.Errorf("%w: accumulated %d elements into a window of %d", ErrMisaligned, a.count, a.n)
	}
	if a.count == a.n {
		stat := a.sum / T(a.n)
		a.sum = 0
		a.count = 0
		return stat, true, nil
	}
	return 0, false, nil
}

// idle reports whether the accumulator sits exactly on a window boundary.
func (a *accumulator[T]) idle() bool {
	return a.count == 0
}

// accumulate is the reduction stage at the head of a pipeline. Per tick it
// consumes at most one input vector, forwards a type-converted copy
// downstream unconditionally, and folds each lane's contribution (the value
// itself for a mean stage, its square for a mean-of-squares stage) into the
// running sum. One statistic is emitted per N elements consumed; forwarded
// vectors are 1:1 with consumed vectors, in order.
type accumulate[TI, TO Scalar] struct {
	in    *queue.RingBuffer[*stream.Vector[TI]]
	out   *queue.RingBuffer[*stream.Vector[TO]]
	stats *queue.RingBuffer[TO]

	pool    *stream.Pool[TO]
	contrib func(TO) TO
	acc     accumulator[TO]
	lanes   int
	scratch []TO
}

func (s *accumulate[TI, TO]) tick() (bool, error) {
	// Consume only when every side effect of this activation has room to
	// land; otherwise the tick is a skip and the input stays queued.
	if s.out.Full() {
		return false, nil
	}
	finalizing := s.acc.count+s.lanes >= s.acc.n
	if finalizing && s.stats.Full() {
		return false, nil
	}

	in, ok := s.in.Poll()
	if !ok {
		return false, nil
	}
	if len(in.Data) != s.lanes {
		defer in.Release()
		return false, fmt.Errorf("%w: received %d-lane vector, lane width is %d", ErrMisaligned, len(in.Data), s.lanes)
	}

	out := s.pool.Get()
	s.scratch = s.scratch[:0]
	for _, v := range in.Data {
		conv := TO(v)
		out.Data = append(out.Data, conv)
		s.scratch = append(s.scratch, s.contrib(conv))
	}
	in.Release()

	// Room was verified above; with a single producer this cannot fail.
	s.out.Offer(out)

	stat, done, err := s.acc.add(TreeSum(s.scratch), s.lanes)
	if err != nil {
		return false, err
	}
	if done {
		s.stats.Offer(stat)
	}
	return true, nil
}

func (s *accumulate[TI, TO]) finished() (bool, error) {
	if !s.in.IsClosed() {
		return false, nil
	}
	if !s.acc.idle() {
		return true, fmt.Errorf("%w: input ended %d elements into a window of %d", ErrMisaligned, s.acc.count, s.acc.n)
	}
	return true, nil
}

func (s *accumulate[TI, TO]) closeOutputs() {
	s.out.Close()
	s.stats.Close()
}
