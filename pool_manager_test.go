package ivm

import "testing"

func TestNodeBufferPoolGetReturnsZeroLength(t *testing.T) {
	p := NewNodeBufferPool(4)
	buf := p.Get()
	if len(buf) != 0 {
		t.Errorf("expected zero-length buffer, got len %d", len(buf))
	}
}

func TestNodeBufferPoolReusesPutBuffers(t *testing.T) {
	p := NewNodeBufferPool(4)
	buf := p.Get()
	buf = append(buf, Node{Row: Row{"id": 1}})
	p.Put(buf)

	if m := p.Metrics(); m.Misses != 1 {
		t.Fatalf("expected 1 miss for the first Get, got %+v", m)
	}

	reused := p.Get()
	if len(reused) != 0 {
		t.Errorf("expected Get to return a zero-length slice even when reused, got len %d", len(reused))
	}
	if m := p.Metrics(); m.Hits != 1 {
		t.Errorf("expected 1 hit after reusing a put-back buffer, got %+v", m)
	}
}

func TestNodeBufferPoolMetricsAccumulate(t *testing.T) {
	p := NewNodeBufferPool(2)
	a := p.Get()
	b := p.Get()
	p.Put(a)
	p.Put(b)
	_ = p.Get()
	_ = p.Get()
	_ = p.Get()

	m := p.Metrics()
	if m.Misses != 3 {
		t.Errorf("expected 3 misses (2 initial + 1 after pool drained), got %d", m.Misses)
	}
	if m.Hits != 2 {
		t.Errorf("expected 2 hits from the two put-back buffers, got %d", m.Hits)
	}
}
