package norm

import (
	"math"
	"math/rand"
	"testing"
)

func TestTreeSumMatchesSerialSum(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, n := range []int{0, 1, 2, 3, 4, 5, 7, 8, 16, 33} {
		lanes := make([]float64, n)
		serial := 0.0
		for i := range lanes {
			lanes[i] = rng.Float64()*200 - 100
			serial += lanes[i]
		}
		got := TreeSum(lanes)
		if math.Abs(got-serial) > 1e-9 {
			t.Errorf("n=%d: TreeSum %v, serial sum %v", n, got, serial)
		}
	}
}

func TestTreeSumFixedShape(t *testing.T) {
	// The tree always splits at the midpoint, so for 4 lanes the result must
	// be bitwise identical to (a+b)+(c+d), not the serial ((a+b)+c)+d.
	a, b, c, d := 0.1, 0.2, 0.3, 0.4
	want := (a + b) + (c + d)
	got := TreeSum([]float64{a, b, c, d})
	if got != want {
		t.Errorf("TreeSum shape: got %v, want %v", got, want)
	}

	// 8 lanes: two 4-lane subtrees combined at the root.
	lanes := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	want8 := ((lanes[0] + lanes[1]) + (lanes[2] + lanes[3])) + ((lanes[4] + lanes[5]) + (lanes[6] + lanes[7]))
	if got := TreeSum(lanes); got != want8 {
		t.Errorf("TreeSum shape (8): got %v, want %v", got, want8)
	}
}

func TestTreeSumReproducible(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	lanes := make([]float32, 16)
	for i := range lanes {
		lanes[i] = rng.Float32()
	}
	first := TreeSum(lanes)
	for i := 0; i < 100; i++ {
		if got := TreeSum(lanes); got != first {
			t.Fatalf("iteration %d: TreeSum not bit-reproducible: %v != %v", i, got, first)
		}
	}
}
