// Package stream provides a vectorized, concurrent stream surface for feeding
// data into dataflow pipelines and draining their results.
//
// It leverages Go generics to offer type-safe lazy streams of fixed-width
// vectors. Scalars emitted by a source are batched into lane vectors to
// amortize the cost of channel operations, and vectors are pooled with
// explicit single-Release ownership transfer to keep the hot path free of
// allocations.
//
// The subpackage queue holds the bounded SPSC ring buffers used as elastic
// buffers between stages that tick independently.
package stream
