package norm

import (
	"fmt"

	"github.com/tafk7/finn/pkg/stream"
	"github.com/tafk7/finn/pkg/stream/queue"
)

// ============================================================================
// STATISTIC LATCH & APPLY
// ============================================================================

// VarMean couples the two statistics the final LayerNorm stage needs, carried
// together on one depth-2 queue between the variance and apply stages.
type VarMean[T Scalar] struct {
	Mean T
	Var  T
}

// apply is a latch-and-transform stage. It alternates between two states:
//
//   - AwaitingStatistic: no statistic latched. The only enabled transition is
//     popping the next statistic from the stats queue.
//   - Active: a statistic is latched. Per tick the stage consumes at most one
//     raw vector, transforms it in place using the latched statistic, and
//     forwards it. After exactly N/L vectors the statistic is discarded and
//     the stage returns to AwaitingStatistic.
//
// A fused stage (contrib != nil) additionally accumulates a second statistic
// over the same pass and emits it on statsOut at window rotation, before
// relatching. A raw queue that runs dry while Active merely stalls the stage;
// it is the statistic rotating at the wrong count that is a defect.
type apply[T Scalar, SIn, SOut any] struct {
	in       *queue.RingBuffer[*stream.Vector[T]]
	stats    *queue.RingBuffer[SIn]
	out      *queue.RingBuffer[*stream.Vector[T]]
	statsOut *queue.RingBuffer[SOut] // nil unless fused

	windowVecs int // N / L
	count      int // vectors forwarded under the latched statistic
	valid      bool
	latched    SIn

	transform func(lanes []T, s SIn)

	// Fused second accumulation (variance over the latched mean).
	contrib  func(x T, s SIn) T
	acc      accumulator[T]
	finalize func(s SIn, meanContrib T) SOut
	scratch  []T
}

func (s *apply[T, SIn, SOut]) tick() (bool, error) {
	if !s.valid {
		st, ok := s.stats.Poll()
		if !ok {
			return false, nil
		}
		s.latched = st
		s.valid = true
		return true, nil
	}

	if s.out.Full() {
		return false, nil
	}
	rotating := s.count+1 == s.windowVecs
	if rotating && s.statsOut != nil && s.statsOut.Full() {
		return false, nil
	}

	vec, ok := s.in.Poll()
	if !ok {
		return false, nil
	}

	var derived SOut
	var haveDerived bool
	if s.contrib != nil {
		s.scratch = s.scratch[:0]
		for _, x := range vec.Data {
			s.scratch = append(s.scratch, s.contrib(x, s.latched))
		}
		meanContrib, done, err := s.acc.add(TreeSum(s.scratch), len(vec.Data))
		if err != nil {
			vec.Release()
			return false, err
		}
		if done {
			derived = s.finalize(s.latched, meanContrib)
			haveDerived = true
		}
	}

	s.transform(vec.Data, s.latched)
	// Ownership transfers downstream; room was verified above.
	s.out.Offer(vec)
	s.count++

	if s.count == s.windowVecs {
		if s.statsOut != nil {
			if !haveDerived {
				return false, fmt.Errorf("%w: fused statistic incomplete at window rotation", ErrMisaligned)
			}
			s.statsOut.Offer(derived)
		}
		s.count = 0
		s.valid = false
	}
	return true, nil
}

func (s *apply[T, SIn, SOut]) finished() (bool, error) {
	if !s.in.IsClosed() {
		return false, nil
	}
	if s.count != 0 {
		return true, fmt.Errorf("%w: input ended %d vectors into a window of %d", ErrMisaligned, s.count, s.windowVecs)
	}
	if s.valid {
		return true, fmt.Errorf("%w: statistic latched with no window data behind it", ErrMisaligned)
	}
	if _, ok := s.stats.Poll(); ok {
		return true, fmt.Errorf("%w: statistic queued with no window data behind it", ErrMisaligned)
	}
	return true, nil
}

func (s *apply[T, SIn, SOut]) closeOutputs() {
	s.out.Close()
	if s.statsOut != nil {
		s.statsOut.Close()
	}
}
