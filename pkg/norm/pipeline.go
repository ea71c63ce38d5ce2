package norm

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tafk7/finn/pkg/stream"
	"github.com/tafk7/finn/pkg/stream/queue"
)

var (
	// ErrConfig marks construction-time configuration errors. Pipelines with
	// an invalid configuration are never built.
	ErrConfig = errors.New("norm: invalid configuration")

	// ErrMisaligned marks violations of the window/statistic pairing
	// invariant. A misaligned pipeline corrupts every subsequent window, so
	// the defect tears the pipeline down instead of being tolerated.
	ErrMisaligned = errors.New("norm: window alignment violated")
)

// DefaultEpsilon guards the division against zero and near-zero variance.
const DefaultEpsilon = 1e-5

// StatDepth is the capacity of the statistic queues between stages: one slot
// for the statistic being applied, one for the next being accumulated.
const StatDepth = 2

// Config fixes a pipeline's shape for its lifetime. None of it is mutable at
// run time.
type Config struct {
	// N is the window length: the number of consecutive scalar elements that
	// share one statistic. Must be a positive multiple of Lanes.
	N int
	// Lanes is the SIMD lane width L: scalars transferred per vector.
	Lanes int
	// Epsilon is added to the variance (or mean-square) before the square
	// root. Zero selects DefaultEpsilon.
	Epsilon float64
}

func (c Config) withDefaults() Config {
	if c.Epsilon == 0 {
		c.Epsilon = DefaultEpsilon
	}
	return c
}

func (c Config) validate() error {
	if c.N <= 0 {
		return fmt.Errorf("%w: window length %d must be positive", ErrConfig, c.N)
	}
	if c.Lanes <= 0 {
		return fmt.Errorf("%w: lane width %d must be positive", ErrConfig, c.Lanes)
	}
	if c.N%c.Lanes != 0 {
		return fmt.Errorf("%w: window length %d is not a multiple of lane width %d", ErrConfig, c.N, c.Lanes)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("%w: epsilon %v must not be negative", ErrConfig, c.Epsilon)
	}
	return nil
}

// ============================================================================
// STAGE SCHEDULING
// ============================================================================

// stage is one perpetually-resident pipeline process. tick attempts a single
// activation and reports whether it made progress; finished reports whether
// the stage has drained its closed input cleanly.
type stage interface {
	tick() (bool, error)
	finished() (bool, error)
	closeOutputs()
}

// runStage drives a stage until its input drains or the context is cancelled.
// A disabled stage yields the processor instead of spinning hot, and never
// blocks: per-tick enablement is the only scheduling primitive, exactly as in
// the hardware model this mirrors.
func runStage(ctx context.Context, st stage) error {
	defer st.closeOutputs()
	for {
		progressed, err := st.tick()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		done, err := st.finished()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

// ============================================================================
// PIPELINE COMPOSITION
// ============================================================================

// Pipeline is a composed normalization dataflow. It is single-use: construct,
// then either Start it and drive the queue endpoints directly, or Apply it to
// a stream once.
type Pipeline[TI, TO Scalar] struct {
	cfg    Config
	in     *queue.RingBuffer[*stream.Vector[TI]]
	out    *queue.RingBuffer[*stream.Vector[TO]]
	stages []stage
	logger *log.Entry
}

// LayerNorm builds the three-stage mean/variance pipeline:
//
//	input → mean → [raw depth N/L | mean depth 2] → variance (fused, pass-through)
//	      → [raw depth N/L | {mean,var} depth 2] → apply → output
//
// with out[j] = (in[j] − mean) / sqrt(variance + ε) per window.
func LayerNorm[TI, TO Scalar](cfg Config) (*Pipeline[TI, TO], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	vecs := cfg.N / cfg.Lanes
	eps := TO(cfg.Epsilon)

	in := queue.New[*stream.Vector[TI]](vecs)
	raw1 := queue.New[*stream.Vector[TO]](vecs)
	means := queue.New[TO](StatDepth)
	raw2 := queue.New[*stream.Vector[TO]](vecs)
	varmeans := queue.New[VarMean[TO]](StatDepth)
	out := queue.New[*stream.Vector[TO]](vecs)

	mean := &accumulate[TI, TO]{
		in:      in,
		out:     raw1,
		stats:   means,
		pool:    stream.NewPool[TO](cfg.Lanes),
		contrib: func(x TO) TO { return x },
		acc:     accumulator[TO]{n: cfg.N},
		lanes:   cfg.Lanes,
		scratch: make([]TO, 0, cfg.Lanes),
	}
	variance := &apply[TO, TO, VarMean[TO]]{
		in:         raw1,
		stats:      means,
		out:        raw2,
		statsOut:   varmeans,
		windowVecs: vecs,
		// Pass-through: the subtraction happens in the final stage, once the
		// variance is known.
		transform: func([]TO, TO) {},
		contrib: func(x, mean TO) TO {
			d := x - mean
			return d * d
		},
		finalize: func(mean, variance TO) VarMean[TO] {
			return VarMean[TO]{Mean: mean, Var: variance}
		},
		acc:     accumulator[TO]{n: cfg.N},
		scratch: make([]TO, 0, cfg.Lanes),
	}
	normalize := &apply[TO, VarMean[TO], struct{}]{
		in:         raw2,
		stats:      varmeans,
		out:        out,
		windowVecs: vecs,
		transform: func(lanes []TO, vm VarMean[TO]) {
			inv := 1 / sqrt(vm.Var+eps)
			for i, x := range lanes {
				lanes[i] = (x - vm.Mean) * inv
			}
		},
	}

	return &Pipeline[TI, TO]{
		cfg:    cfg,
		in:     in,
		out:    out,
		stages: []stage{mean, variance, normalize},
		logger: log.WithFields(log.Fields{"pipeline": "layernorm", "n": cfg.N, "lanes": cfg.Lanes}),
	}, nil
}

// RMSNorm builds the two-stage root-mean-square pipeline:
//
//	input → mean-of-squares → [raw depth N/L | meanSq depth 2] → apply → output
//
// with out[j] = in[j] / sqrt(meanSquare + ε) per window. Structurally the
// apply stage is LayerNorm's final stage with a folded-in zero mean.
func RMSNorm[TI, TO Scalar](cfg Config) (*Pipeline[TI, TO], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	vecs := cfg.N / cfg.Lanes
	eps := TO(cfg.Epsilon)

	in := queue.New[*stream.Vector[TI]](vecs)
	raw := queue.New[*stream.Vector[TO]](vecs)
	meansq := queue.New[TO](StatDepth)
	out := queue.New[*stream.Vector[TO]](vecs)

	squareMean := &accumulate[TI, TO]{
		in:      in,
		out:     raw,
		stats:   meansq,
		pool:    stream.NewPool[TO](cfg.Lanes),
		contrib: func(x TO) TO { return x * x },
		acc:     accumulator[TO]{n: cfg.N},
		lanes:   cfg.Lanes,
		scratch: make([]TO, 0, cfg.Lanes),
	}
	scale := &apply[TO, TO, struct{}]{
		in:         raw,
		stats:      meansq,
		out:        out,
		windowVecs: vecs,
		transform: func(lanes []TO, meanSq TO) {
			inv := 1 / sqrt(meanSq+eps)
			for i := range lanes {
				lanes[i] *= inv
			}
		},
	}

	return &Pipeline[TI, TO]{
		cfg:    cfg,
		in:     in,
		out:    out,
		stages: []stage{squareMean, scale},
		logger: log.WithFields(log.Fields{"pipeline": "rmsnorm", "n": cfg.N, "lanes": cfg.Lanes}),
	}, nil
}

// Config returns the pipeline's fixed configuration.
func (p *Pipeline[TI, TO]) Config() Config {
	return p.cfg
}

// ============================================================================
// QUEUE-LEVEL DRIVING
// ============================================================================

// Offer feeds one input vector. Non-blocking: false means the input buffer is
// full and the caller should retry later. Single producer only.
func (p *Pipeline[TI, TO]) Offer(v *stream.Vector[TI]) bool {
	return p.in.Offer(v)
}

// CloseInput marks the end of the input stream. Stages drain what is queued
// and then terminate.
func (p *Pipeline[TI, TO]) CloseInput() {
	p.in.Close()
}

// Poll removes the next normalized vector, if one is ready. The caller owns
// the returned vector and must Release it. Single consumer only.
func (p *Pipeline[TI, TO]) Poll() (*stream.Vector[TO], bool) {
	return p.out.Poll()
}

// Drained reports that the pipeline has shut down and every output has been
// polled.
func (p *Pipeline[TI, TO]) Drained() bool {
	return p.out.IsClosed()
}

// Start launches the stage goroutines. The returned Execution completes when
// all stages have terminated: cleanly after CloseInput and a full drain, or
// with an error on cancellation or an invariant violation.
func (p *Pipeline[TI, TO]) Start(ctx context.Context) stream.Execution {
	p.logger.Debug("starting pipeline stages")
	g, gCtx := errgroup.WithContext(ctx)
	for _, st := range p.stages {
		st := st
		g.Go(func() error {
			return runStage(gCtx, st)
		})
	}
	exec := stream.ExecutionFromGroup(g)
	go func() {
		<-exec.Done
		if err := exec.Err(); errors.Is(err, ErrMisaligned) {
			p.logger.WithError(err).Error("pipeline stopped on alignment violation")
		} else {
			p.logger.Debug("pipeline stages terminated")
		}
	}()
	return exec
}

// ============================================================================
// STREAM ADAPTER
// ============================================================================

// Apply runs the pipeline over a stream of input vectors and returns the
// stream of normalized vectors. The source must produce vectors of exactly
// Lanes width (build it with the same width), and its total element count
// must be a multiple of N; a trailing partial window surfaces as
// ErrMisaligned from the returned stream's execution.
func (p *Pipeline[TI, TO]) Apply(s stream.Stream[TI]) stream.Stream[TO] {
	return stream.New(func(ctx context.Context) (<-chan *stream.Vector[TO], stream.Execution) {
		in, parentExec := s.Pipe(ctx)
		out := make(chan *stream.Vector[TO], stream.ChannelBuffer)

		g, gCtx := errgroup.WithContext(ctx)

		// Feeder: channel -> input queue.
		g.Go(func() error {
			defer p.in.Close()
			for {
				select {
				case vec, ok := <-in:
					if !ok {
						return nil
					}
					for !p.in.Offer(vec) {
						if gCtx.Err() != nil {
							vec.Release()
							return gCtx.Err()
						}
						runtime.Gosched()
					}
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
		})

		// Collector: output queue -> channel.
		g.Go(func() error {
			for {
				vec, ok := p.out.Poll()
				if !ok {
					if p.out.IsClosed() {
						return nil
					}
					select {
					case <-gCtx.Done():
						return gCtx.Err()
					default:
					}
					runtime.Gosched()
					continue
				}
				select {
				case out <- vec:
				case <-gCtx.Done():
					vec.Release()
					return gCtx.Err()
				}
			}
		})

		// Stages.
		for _, st := range p.stages {
			st := st
			g.Go(func() error {
				return runStage(gCtx, st)
			})
		}

		workerExec := stream.ExecutionFromGroup(g)

		// If the workers stop early the parent may still be producing; drain
		// its channel so it can run to completion instead of deadlocking.
		drainerDone := make(chan struct{})
		go func() {
			defer close(drainerDone)
			<-workerExec.Done
			if gCtx.Err() != nil {
				stream.DrainChannel(in)
			}
		}()

		cleanup := func() { close(out) }
		exec := stream.CombineExecutions(workerExec, cleanup, parentExec, stream.ExecutionFromChan(drainerDone))
		return out, exec
	})
}
