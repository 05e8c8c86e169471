package ivm

import "sync"

// NodeBufferPool pools []Node backing arrays for the repeated candidate
// fetches Join and FlippedJoin perform on every push and, for FlippedJoin,
// on every child during an initial Fetch (join.go pushChild, flippedjoin.go
// Fetch/pushChild): each call drains one relationship for one row, so
// without reuse the backing array is reallocated on every call instead of
// shared across them.
type NodeBufferPool struct {
	pool sync.Pool

	mu      sync.Mutex
	metrics PoolMetrics
}

// PoolMetrics tracks pool hit/miss counts for NodeBufferPool.
type PoolMetrics struct {
	Hits   uint64
	Misses uint64
}

// NewNodeBufferPool creates an empty pool, new buffers starting at capacity
// initialCap.
func NewNodeBufferPool(initialCap int) *NodeBufferPool {
	p := &NodeBufferPool{}
	p.pool.New = func() any {
		p.mu.Lock()
		p.metrics.Misses++
		p.mu.Unlock()
		return make([]Node, 0, initialCap)
	}
	return p
}

// Get returns a zero-length buffer, reused from the pool when available.
// sync.Pool.New already accounts misses; every Get not satisfied by New is a
// hit.
func (p *NodeBufferPool) Get() []Node {
	before := p.Metrics().Misses
	buf := p.pool.Get().([]Node)
	if p.Metrics().Misses == before {
		p.mu.Lock()
		p.metrics.Hits++
		p.mu.Unlock()
	}
	return buf[:0]
}

// Put returns buf to the pool for reuse. The caller must not use buf after
// calling Put.
func (p *NodeBufferPool) Put(buf []Node) {
	p.pool.Put(buf[:0])
}

// Metrics returns a snapshot of the pool's hit/miss counters.
func (p *NodeBufferPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
