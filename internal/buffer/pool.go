package buffer

import (
	"sync"
	"sync/atomic"

	"sdaa/internal/packet"
)

// Pool keeps released payload buffers on a free list so the receive loop does not
// allocate per datagram once it is warm. Unlike sync.Pool the free list is never
// emptied by the GC, so the per-packet cost stays flat.
type Pool struct {
	layout packet.Layout

	mu   sync.Mutex
	free []*packet.Payload

	allocated atomic.Int64 // buffers ever created
	inPool    map[*packet.Payload]struct{}
}

// NewPool creates an empty pool of payloads with the given layout.
func NewPool(layout packet.Layout) *Pool {
	return &Pool{
		layout: layout,
		inPool: make(map[*packet.Payload]struct{}),
	}
}

// Layout returns the record layout of the pooled buffers.
func (p *Pool) Layout() packet.Layout {
	return p.layout
}

// Prefill allocates n buffers up front.
func (p *Pool) Prefill(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		pl := packet.New(p.layout)
		p.allocated.Add(1)
		p.free = append(p.free, pl)
		p.inPool[pl] = struct{}{}
	}
}

// Get returns an exclusively owned payload. A released buffer is reused when one
// is available, otherwise a new zeroed one is allocated.
func (p *Pool) Get() *packet.Payload {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		pl := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		delete(p.inPool, pl)
		p.mu.Unlock()
		return pl
	}
	p.mu.Unlock()

	p.allocated.Add(1)
	return packet.New(p.layout)
}

// Put releases a payload back to the pool. The reset policy (counter and data
// zeroed) is applied before it becomes available again, so the caller must not
// touch pl afterwards. nil, foreign-layout and already released payloads are ignored.
func (p *Pool) Put(pl *packet.Payload) {
	if pl == nil || pl.Size() != p.layout.RecordSize() {
		return
	}

	p.mu.Lock()
	if _, ok := p.inPool[pl]; ok {
		p.mu.Unlock()
		return
	}
	// claimed but not yet on the free list, nobody can Get it while it is reset
	p.inPool[pl] = struct{}{}
	p.mu.Unlock()

	pl.Reset()

	p.mu.Lock()
	p.free = append(p.free, pl)
	p.mu.Unlock()
}

// Allocated returns how many buffers the pool has created so far.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

// Idle returns how many released buffers are waiting for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
