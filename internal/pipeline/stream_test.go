package pipeline

import (
	"errors"
	"io"
	"iter"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdaa/internal/buffer"
	"sdaa/internal/metrics"
	"sdaa/internal/packet"
)

var testLayout = packet.Layout{DataBytes: 16}

// scriptedReader replays datagrams and errors, then reports io.EOF.
type scriptedReader struct {
	steps []step
	reads int
}

type step struct {
	data []byte
	err  error
}

func (r *scriptedReader) Read(b []byte) (int, error) {
	if r.reads >= len(r.steps) {
		return 0, io.EOF
	}
	s := r.steps[r.reads]
	r.reads++
	if s.err != nil {
		return 0, s.err
	}
	return copy(b, s.data), nil
}

// endlessReader produces consecutive records without allocating.
type endlessReader struct {
	tpl  *packet.Payload
	next uint64
}

func (r *endlessReader) Read(b []byte) (int, error) {
	r.tpl.SetCounter(r.next)
	r.next++
	return copy(b, r.tpl.Bytes()), nil
}

func datagram(counter uint64, source uint32) []byte {
	p := packet.New(testLayout)
	p.PutHeader(packet.Header{Counter: counter, SourceID: source, Channel: 3, Timestamp: counter * 10})
	for i := range p.Data() {
		p.Data()[i] = byte(counter)
	}
	return append([]byte(nil), p.Bytes()...)
}

func feed(counters ...uint64) *scriptedReader {
	r := &scriptedReader{}
	for _, c := range counters {
		r.steps = append(r.steps, step{data: datagram(c, uint32(100+c))})
	}
	return r
}

type emitted struct {
	counter   uint64
	source    uint32
	synthetic bool
	data      []byte
}

func newTestStream(src PacketReader) (*Stream, *buffer.Pool, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	pool := buffer.NewPool(testLayout)
	return NewStream(src, pool, Options{Logger: logger}), pool, hook
}

func collect(s *Stream, pool *buffer.Pool) []emitted {
	var out []emitted
	for p := range s.All() {
		h := p.Header()
		out = append(out, emitted{
			counter:   h.Counter,
			source:    h.SourceID,
			synthetic: p.Synthetic,
			data:      append([]byte(nil), p.Data()...),
		})
		pool.Put(p)
	}
	return out
}

func counters(items []emitted) []uint64 {
	out := make([]uint64, len(items))
	for i, it := range items {
		out[i] = it.counter
	}
	return out
}

func TestNoLoss(t *testing.T) {
	s, pool, _ := newTestStream(feed(0, 1, 2, 3))
	items := collect(s, pool)

	assert.Equal(t, []uint64{0, 1, 2, 3}, counters(items))
	for _, it := range items {
		assert.False(t, it.synthetic)
	}
	st := s.Stats()
	assert.Zero(t, st.Dropped)
	assert.Equal(t, uint64(4), st.Received)
	assert.Equal(t, uint64(1), st.Sessions)
	assert.Equal(t, uint64(4), st.Expected)
}

func TestGapIsFilledWithPlaceholders(t *testing.T) {
	s, pool, _ := newTestStream(feed(0, 1, 4))
	items := collect(s, pool)

	require.Equal(t, []uint64{0, 1, 2, 3, 4}, counters(items))
	for _, i := range []int{2, 3} {
		assert.True(t, items[i].synthetic)
		assert.Equal(t, uint32(104), items[i].source, "placeholder carries the header of the next real packet")
		assert.Equal(t, make([]byte, testLayout.DataBytes), items[i].data)
	}
	assert.False(t, items[4].synthetic)
	assert.Equal(t, byte(4), items[4].data[0])

	assert.Equal(t, uint64(2), s.Stats().Dropped)
	assert.Equal(t, uint64(5), s.Stats().Received)
}

func TestMultiGapContiguity(t *testing.T) {
	s, pool, _ := newTestStream(feed(0, 3, 4, 9, 10, 2600))
	items := collect(s, pool)

	require.Len(t, items, 2601)
	for i := 1; i < len(items); i++ {
		require.Equal(t, items[i-1].counter+1, items[i].counter)
	}
	assert.Equal(t, uint64(2+4+2589), s.Stats().Dropped)
	assert.Zero(t, pool.Allocated()-int64(pool.Idle()), "every buffer returned")
}

func TestMalformedDatagramsAreIgnored(t *testing.T) {
	full := datagram(1, 1)
	r := &scriptedReader{steps: []step{
		{data: datagram(0, 1)},
		{data: full[:len(full)-1]},                   // short
		{data: append(append([]byte{}, full...), 0)}, // oversize
		{data: []byte{}},
		{data: full},
	}}
	s, pool, _ := newTestStream(r)
	items := collect(s, pool)

	assert.Equal(t, []uint64{0, 1}, counters(items))
	st := s.Stats()
	assert.Equal(t, uint64(3), st.Malformed)
	assert.Zero(t, st.Dropped)
	assert.Equal(t, uint64(2), st.Received)
}

func TestZeroCounterResetsStatistics(t *testing.T) {
	s, pool, hook := newTestStream(feed(5, 8, 9, 0, 1))
	items := collect(s, pool)

	// expected is 10 when 0 arrives, so 0 is emitted as is and tracking restarts from 1
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 0, 1}, counters(items))
	st := s.Stats()
	assert.Zero(t, st.Dropped)
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Sessions)

	var banner bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "start time:") {
			banner = true
		}
	}
	assert.True(t, banner)
}

func TestFirstPayloadStartsTracking(t *testing.T) {
	s, pool, _ := newTestStream(feed(41, 42, 44))
	items := collect(s, pool)

	assert.Equal(t, []uint64{41, 42, 43, 44}, counters(items))
	assert.Zero(t, s.Stats().Sessions)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestBehindCounterIsEmittedAsIs(t *testing.T) {
	s, pool, _ := newTestStream(feed(0, 1, 2, 1, 2))
	items := collect(s, pool)

	assert.Equal(t, []uint64{0, 1, 2, 1, 2}, counters(items))
	assert.Zero(t, s.Stats().Dropped)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	r := &scriptedReader{steps: []step{
		{data: datagram(0, 1)},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{data: datagram(1, 1)},
	}}
	s, pool, hook := newTestStream(r)
	items := collect(s, pool)

	assert.Equal(t, []uint64{0, 1}, counters(items))
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "receive warnings are rate limited")
}

func TestClosedSourceEndsSequence(t *testing.T) {
	r := &scriptedReader{steps: []step{
		{data: datagram(0, 1)},
		{err: net.ErrClosed},
		{data: datagram(1, 1)},
	}}
	s, pool, _ := newTestStream(r)
	assert.Equal(t, []uint64{0}, counters(collect(s, pool)))
}

func TestConsumerStopReleasesBuffers(t *testing.T) {
	s, pool, _ := newTestStream(feed(0, 10))

	var got []uint64
	for p := range s.All() {
		got = append(got, p.Counter())
		pool.Put(p)
		if len(got) == 3 {
			break
		}
	}

	assert.Equal(t, []uint64{0, 1, 2}, got)
	assert.Equal(t, int(pool.Allocated()), pool.Idle())
}

func TestWarmStreamDoesNotAllocate(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	pool := buffer.NewPool(testLayout)
	pool.Prefill(4)

	// counters start at 1 so no session banner is logged
	src := &endlessReader{tpl: packet.New(testLayout), next: 1}
	s := NewStream(src, pool, Options{Logger: logger, PrintInterval: time.Hour})
	next, stop := iter.Pull(s.All())
	defer stop()

	ended := false
	allocs := testing.AllocsPerRun(1000, func() {
		p, ok := next()
		if !ok {
			ended = true
			return
		}
		pool.Put(p)
	})
	require.False(t, ended)
	assert.Zero(t, allocs)
	assert.Equal(t, int64(4), pool.Allocated())
}

func TestSequenceIsNotRestartable(t *testing.T) {
	s, pool, _ := newTestStream(feed(0, 1))
	assert.Len(t, collect(s, pool), 2)
	assert.Empty(t, collect(s, pool))
}

func TestPeriodicDropReport(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	pool := buffer.NewPool(testLayout)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s := NewStream(feed(0, 3, 4, 5), pool, Options{Logger: logger, Now: clock, PrintInterval: 2 * time.Second})
	collect(s, pool)

	var reports []string
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "pkts dropped") {
			reports = append(reports, e.Message)
		}
	}
	require.NotEmpty(t, reports)
	assert.True(t, strings.HasPrefix(reports[len(reports)-1], "2 pkts dropped, ratio<"))
}

func TestCountersExported(t *testing.T) {
	placeholders := testutil.ToFloat64(metrics.PromPlaceholders)
	malformed := testutil.ToFloat64(metrics.PromMalformed)
	rx := testutil.ToFloat64(metrics.PromRxPackets)

	r := feed(0, 5)
	r.steps = append(r.steps, step{data: []byte("short")})
	s, pool, _ := newTestStream(r)
	collect(s, pool)

	assert.Equal(t, placeholders+4, testutil.ToFloat64(metrics.PromPlaceholders))
	assert.Equal(t, malformed+1, testutil.ToFloat64(metrics.PromMalformed))
	assert.Equal(t, rx+2, testutil.ToFloat64(metrics.PromRxPackets))
}
