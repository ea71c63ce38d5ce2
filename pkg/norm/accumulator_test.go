package norm

import (
	"errors"
	"math"
	"testing"

	"github.com/tafk7/finn/pkg/stream"
	"github.com/tafk7/finn/pkg/stream/queue"
)

// newMeanStage builds an accumulate stage over float64 with identity
// contributions, driven synchronously through tick() in tests.
func newMeanStage(n, lanes int) *accumulate[float64, float64] {
	return &accumulate[float64, float64]{
		in:      queue.New[*stream.Vector[float64]](n / lanes),
		out:     queue.New[*stream.Vector[float64]](n / lanes),
		stats:   queue.New[float64](StatDepth),
		pool:    stream.NewPool[float64](lanes),
		contrib: func(x float64) float64 { return x },
		acc:     accumulator[float64]{n: n},
		lanes:   lanes,
		scratch: make([]float64, 0, lanes),
	}
}

func offerLanes[T any](t *testing.T, q *queue.RingBuffer[*stream.Vector[T]], pool *stream.Pool[T], lanes ...T) {
	t.Helper()
	vec := pool.Get()
	vec.Data = append(vec.Data, lanes...)
	if !q.Offer(vec) {
		t.Fatal("input queue unexpectedly full")
	}
}

func TestAccumulateEmitsOneStatisticPerWindow(t *testing.T) {
	st := newMeanStage(8, 4)
	pool := stream.NewPool[float64](4)

	offerLanes(t, st.in, pool, 1, 2, 3, 4)
	offerLanes(t, st.in, pool, 5, 6, 7, 8)

	// First vector: forwarded, no statistic yet.
	if ok, err := st.tick(); !ok || err != nil {
		t.Fatalf("tick 1: ok=%v err=%v", ok, err)
	}
	if _, ok := st.stats.Poll(); ok {
		t.Fatal("statistic emitted before window completed")
	}

	// Second vector completes the window.
	if ok, err := st.tick(); !ok || err != nil {
		t.Fatalf("tick 2: ok=%v err=%v", ok, err)
	}
	mean, ok := st.stats.Poll()
	if !ok {
		t.Fatal("no statistic after window completed")
	}
	if math.Abs(mean-4.5) > 1e-12 {
		t.Errorf("mean: got %v, want 4.5", mean)
	}

	// Forwarded vectors are 1:1 and in order.
	for want := 1.0; want <= 8; want += 4 {
		vec, ok := st.out.Poll()
		if !ok {
			t.Fatalf("missing forwarded vector starting at %v", want)
		}
		for i, v := range vec.Data {
			if v != want+float64(i) {
				t.Errorf("forwarded lane %d: got %v, want %v", i, v, want+float64(i))
			}
		}
		vec.Release()
	}
}

func TestAccumulateStarvationIsSkip(t *testing.T) {
	st := newMeanStage(8, 4)

	ok, err := st.tick()
	if err != nil {
		t.Fatalf("starved tick errored: %v", err)
	}
	if ok {
		t.Fatal("starved tick reported progress")
	}
	if done, err := st.finished(); done || err != nil {
		t.Fatalf("open input reported finished (%v, %v)", done, err)
	}
}

func TestAccumulateHoldsInputWhenDownstreamFull(t *testing.T) {
	st := newMeanStage(8, 4)
	pool := stream.NewPool[float64](4)

	// Fill the raw output queue so the forward cannot land.
	for !st.out.Full() {
		st.out.Offer(pool.Get())
	}
	offerLanes(t, st.in, pool, 1, 2, 3, 4)

	if ok, _ := st.tick(); ok {
		t.Fatal("tick consumed input with a full output queue")
	}
	if st.in.Len() != 1 {
		t.Fatal("input vector was dropped while stalled")
	}

	// Draining the output re-enables the stage.
	vec, _ := st.out.Poll()
	vec.Release()
	if ok, err := st.tick(); !ok || err != nil {
		t.Fatalf("tick after drain: ok=%v err=%v", ok, err)
	}
}

func TestAccumulateResetAcrossWindows(t *testing.T) {
	st := newMeanStage(4, 4)
	pool := stream.NewPool[float64](4)

	// Two windows with different contents must produce independent means.
	offerLanes(t, st.in, pool, 1, 2, 3, 4)
	offerLanes(t, st.in, pool, 10, 20, 30, 40)

	st.tick()
	st.tick()

	m1, ok1 := st.stats.Poll()
	m2, ok2 := st.stats.Poll()
	if !ok1 || !ok2 {
		t.Fatal("expected two statistics")
	}
	if m1 != 2.5 || m2 != 25 {
		t.Errorf("means: got %v, %v; want 2.5, 25", m1, m2)
	}
	if !st.acc.idle() {
		t.Error("accumulator not reset after completed windows")
	}

	for {
		vec, ok := st.out.Poll()
		if !ok {
			break
		}
		vec.Release()
	}
}

func TestAccumulateSquareContributions(t *testing.T) {
	st := newMeanStage(4, 4)
	st.contrib = func(x float64) float64 { return x * x }
	pool := stream.NewPool[float64](4)

	offerLanes(t, st.in, pool, 1, 2, 3, 4)
	st.tick()

	meanSq, ok := st.stats.Poll()
	if !ok {
		t.Fatal("no statistic emitted")
	}
	if math.Abs(meanSq-7.5) > 1e-12 {
		t.Errorf("mean of squares: got %v, want 7.5", meanSq)
	}

	// The forwarded vector carries the raw values, not the squares.
	vec, _ := st.out.Poll()
	if vec.Data[3] != 4 {
		t.Errorf("forwarded lane 3: got %v, want 4", vec.Data[3])
	}
	vec.Release()
}

func TestAccumulateConvertsScalars(t *testing.T) {
	st := &accumulate[float32, float64]{
		in:      queue.New[*stream.Vector[float32]](2),
		out:     queue.New[*stream.Vector[float64]](2),
		stats:   queue.New[float64](StatDepth),
		pool:    stream.NewPool[float64](2),
		contrib: func(x float64) float64 { return x },
		acc:     accumulator[float64]{n: 2},
		lanes:   2,
		scratch: make([]float64, 0, 2),
	}
	pool := stream.NewPool[float32](2)
	vec := pool.Get()
	vec.Data = append(vec.Data, 1.5, 2.5)
	st.in.Offer(vec)

	if ok, err := st.tick(); !ok || err != nil {
		t.Fatalf("tick: ok=%v err=%v", ok, err)
	}
	outVec, ok := st.out.Poll()
	if !ok {
		t.Fatal("no forwarded vector")
	}
	if outVec.Data[0] != 1.5 || outVec.Data[1] != 2.5 {
		t.Errorf("converted lanes: got %v", outVec.Data)
	}
	outVec.Release()
}

func TestAccumulatePartialWindowAtCloseIsDefect(t *testing.T) {
	st := newMeanStage(8, 4)
	pool := stream.NewPool[float64](4)

	offerLanes(t, st.in, pool, 1, 2, 3, 4)
	st.tick()
	st.in.Close()

	done, err := st.finished()
	if !done {
		t.Fatal("closed drained input must report finished")
	}
	if !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected ErrMisaligned for mid-window close, got %v", err)
	}

	vec, _ := st.out.Poll()
	vec.Release()
}

func TestAccumulateWrongLaneWidthIsDefect(t *testing.T) {
	st := newMeanStage(8, 4)
	pool := stream.NewPool[float64](4)

	vec := pool.Get()
	vec.Data = append(vec.Data, 1, 2) // 2 lanes into a 4-lane stage
	st.in.Offer(vec)

	_, err := st.tick()
	if !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected ErrMisaligned for lane-width mismatch, got %v", err)
	}
}
