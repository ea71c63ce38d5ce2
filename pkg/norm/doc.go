// Package norm implements streaming windowed normalization pipelines in the
// style of a hardware dataflow design: LayerNorm (mean/variance) and RMSNorm
// (root-mean-square) over fixed windows of N scalars arriving as L-wide lane
// vectors.
//
// Each pipeline is a chain of perpetually-resident stages joined by bounded
// SPSC ring buffers. A stage re-evaluates its enabled transition on every
// tick: if its required input (a raw vector, or a latched statistic) is
// unavailable, or its outputs have no room, the tick is a skip, never a block.
// Raw values pass through a depth-N/L elastic buffer while the window
// statistic travels on a depth-2 queue, so an applier stage can re-traverse a
// full window of raw values while the accumulator ahead of it is already
// reducing the next window.
//
// FIFO order is preserved end-to-end: the kth input vector's normalized form
// is the kth output vector, and every element of window k is transformed with
// the statistic computed from window k's own elements.
package norm
