package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tafk7/finn/pkg/norm"
	"github.com/tafk7/finn/pkg/stream"
)

// ============================================================================
// DEMO: STREAMING NORMALIZATION OVER ACTIVATION VECTORS
// ============================================================================

const (
	windowLen = 64 // elements sharing one statistic (e.g. one embedding row)
	laneWidth = 8  // scalars per transferred vector
	numRows   = 10_000
)

// activations generates numRows windows of synthetic layer activations:
// a drifting sinusoid with per-row offset and noise, so every window has a
// distinct mean and variance for the normalizers to remove.
func activations(emit func(float64)) error {
	rng := rand.New(rand.NewSource(1))
	for row := 0; row < numRows; row++ {
		offset := float64(row%13) * 2.5
		for i := 0; i < windowLen; i++ {
			x := offset + 3*math.Sin(float64(i)/5) + rng.NormFloat64()*0.7
			emit(x)
		}
	}
	return nil
}

func summarize(label string, out []float64) {
	mean, meanSq := 0.0, 0.0
	for _, x := range out[:windowLen] {
		mean += x
		meanSq += x * x
	}
	mean /= windowLen
	meanSq /= windowLen
	fmt.Printf("%s: first window mean=%+.4f rms=%.4f (of %d elements total)\n",
		label, mean, math.Sqrt(meanSq), len(out))
}

func main() {
	log.SetLevel(log.DebugLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := norm.Config{N: windowLen, Lanes: laneWidth}
	fmt.Printf("--- Streaming normalization (N=%d, L=%d, rows=%d) ---\n",
		cfg.N, cfg.Lanes, numRows)

	// LayerNorm: subtract the window mean, divide by the window stddev.
	ln, err := norm.LayerNorm[float64, float64](cfg)
	if err != nil {
		log.WithError(err).Fatal("layernorm construction failed")
	}
	start := time.Now()
	lnOut, err := stream.Collect(ctx, ln.Apply(stream.Source(laneWidth, activations)))
	if err != nil {
		log.WithError(err).Fatal("layernorm pipeline failed")
	}
	fmt.Printf("LayerNorm complete in %s\n", time.Since(start))
	summarize("LayerNorm", lnOut)

	// RMSNorm: divide by the window root-mean-square.
	rn, err := norm.RMSNorm[float64, float64](cfg)
	if err != nil {
		log.WithError(err).Fatal("rmsnorm construction failed")
	}
	start = time.Now()
	rnOut, err := stream.Collect(ctx, rn.Apply(stream.Source(laneWidth, activations)))
	if err != nil {
		log.WithError(err).Fatal("rmsnorm pipeline failed")
	}
	fmt.Printf("RMSNorm complete in %s\n", time.Since(start))
	summarize("RMSNorm", rnOut)
}
