package norm

import "math"

// Scalar is the set of element types a pipeline can process.
type Scalar interface {
	~float32 | ~float64
}

// TreeSum sums the lanes of a vector with a balanced pairwise reduction tree.
// The tree shape depends only on the lane count, so results are reproducible
// across runs and across call sites: splitting always happens at the midpoint,
// never at a runtime-determined position. Combine depth is O(log L).
func TreeSum[T Scalar](lanes []T) T {
	switch len(lanes) {
	case 0:
		return 0
	case 1:
		return lanes[0]
	case 2:
		return lanes[0] + lanes[1]
	}
	mid := len(lanes) / 2
	return TreeSum(lanes[:mid]) + TreeSum(lanes[mid:])
}

func sqrt[T Scalar](x T) T {
	return T(math.Sqrt(float64(x)))
}
