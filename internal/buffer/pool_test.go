package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdaa/internal/packet"
)

var testLayout = packet.Layout{DataBytes: 64}

func TestPoolReusesReleasedBuffer(t *testing.T) {
	pool := NewPool(testLayout)

	a := pool.Get()
	require.Equal(t, int64(1), pool.Allocated())
	pool.Put(a)
	assert.Equal(t, 1, pool.Idle())

	b := pool.Get()
	assert.Same(t, a, b)
	assert.Equal(t, int64(1), pool.Allocated())
	assert.Equal(t, 0, pool.Idle())
}

func TestPoolResetsOnRelease(t *testing.T) {
	pool := NewPool(testLayout)

	p := pool.Get()
	p.PutHeader(packet.Header{Counter: 1234, SourceID: 5})
	for i := range p.Data() {
		p.Data()[i] = 0xFF
	}
	p.Synthetic = true
	pool.Put(p)

	q := pool.Get()
	require.Same(t, p, q)
	assert.Zero(t, q.Counter())
	assert.Equal(t, make([]byte, testLayout.DataBytes), q.Data())
	assert.False(t, q.Synthetic)
}

func TestPoolIgnoresNilDoubleAndForeign(t *testing.T) {
	pool := NewPool(testLayout)

	pool.Put(nil)
	pool.Put(packet.New(packet.Layout{DataBytes: 8}))
	assert.Equal(t, 0, pool.Idle())

	p := pool.Get()
	pool.Put(p)
	pool.Put(p)
	assert.Equal(t, 1, pool.Idle())

	a := pool.Get()
	b := pool.Get()
	assert.NotSame(t, a, b)
}

func TestPoolPrefill(t *testing.T) {
	pool := NewPool(testLayout)
	pool.Prefill(16)
	assert.Equal(t, int64(16), pool.Allocated())
	assert.Equal(t, 16, pool.Idle())

	for i := 0; i < 16; i++ {
		pool.Get()
	}
	assert.Equal(t, int64(16), pool.Allocated())
	pool.Get()
	assert.Equal(t, int64(17), pool.Allocated())
}

func TestPoolConcurrentGetPut(t *testing.T) {
	pool := NewPool(testLayout)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				p := pool.Get()
				if p.Counter() != 0 {
					t.Errorf("reused buffer not reset: counter %d", p.Counter())
				}
				p.SetCounter(id*10000 + uint64(i) + 1)
				pool.Put(p)
			}
		}(uint64(g))
	}
	wg.Wait()

	assert.LessOrEqual(t, pool.Allocated(), int64(8))
	assert.Equal(t, int(pool.Allocated()), pool.Idle())
}
