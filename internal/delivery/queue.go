// Package delivery moves payloads from the receive loop to a sink without ever
// blocking the receiver.
package delivery

import (
	"sync"
	"sync/atomic"

	"sdaa/internal/packet"
)

// Queue is an unbounded FIFO between one producer and one consumer.
// Send never blocks; the consumer waits on Ready and takes everything with Drain.
type Queue struct {
	mu     sync.Mutex
	items  []*packet.Payload
	spare  []*packet.Payload // last drained batch, reused by the next Drain
	closed bool

	ready    chan struct{}
	inFlight atomic.Int64
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Send appends p. It returns false once the consumer closed the queue, in which
// case the caller still owns p.
func (q *Queue) Send(p *packet.Payload) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.inFlight.Add(1)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after a Send. A signal may find the queue already drained.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns all queued payloads in send order. The returned slice
// is only valid until the next Drain or Close, which reuse its backing array.
func (q *Queue) Drain() []*packet.Payload {
	q.mu.Lock()
	clear(q.spare)
	batch := q.items
	q.items = q.spare[:0]
	q.spare = batch
	q.mu.Unlock()

	q.inFlight.Add(-int64(len(batch)))
	return batch
}

// Close refuses further sends and returns what was still queued.
func (q *Queue) Close() []*packet.Payload {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Drain()
}

// Closed reports whether the consumer side is gone.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// InFlight returns how many payloads were sent but not yet taken.
func (q *Queue) InFlight() int64 {
	return q.inFlight.Load()
}
