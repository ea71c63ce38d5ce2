package stream

import "sync"

// ============================================================================
// VECTOR & POOLING
// ============================================================================

// Vector holds a fixed-width slice of lanes and a reference to its origin pool.
// It is the fundamental unit of data transport between pipeline stages.
type Vector[T any] struct {
	Data []T
	pool *Pool[T]
}

// Release returns the vector to its origin pool.
// It must be called exactly once, by whichever stage ends up owning the
// vector when it leaves the pipeline.
func (v *Vector[T]) Release() {
	if v == nil {
		return
	}
	if v.pool != nil {
		v.pool.Put(v)
		v.pool = nil
	}
}

// Pool manages reusable Vectors of a fixed lane width to minimize allocations.
// It wraps sync.Pool to provide type-safe access to Vector[T].
type Pool[T any] struct {
	pool  sync.Pool
	width int
}

// NewPool creates a pool whose vectors have capacity for width lanes.
func NewPool[T any](width int) *Pool[T] {
	p := &Pool[T]{width: width}
	p.pool.New = func() any {
		return &Vector[T]{
			Data: make([]T, 0, width),
			pool: p,
		}
	}
	return p
}

// Width returns the lane capacity of vectors managed by this pool.
func (p *Pool[T]) Width() int {
	return p.width
}

// Get retrieves an empty vector from the pool or creates a new one.
func (p *Pool[T]) Get() *Vector[T] {
	v := p.pool.Get().(*Vector[T])
	v.pool = p // Restore pool reference for recycled vectors
	return v
}

// Put returns a vector to the pool for reuse.
// The data slice length is reset to 0, keeping the underlying capacity.
func (p *Pool[T]) Put(vec *Vector[T]) {
	vec.Data = vec.Data[:0]
	p.pool.Put(vec)
}
