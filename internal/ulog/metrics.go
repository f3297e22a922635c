package ulog

import (
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// WriteSample is one recorded Write() call's size, fed into Metrics'
// ring buffer for periodic aggregation.
type WriteSample struct {
	Ts   uint64
	Size int
}

// Metrics tracks lock-free write counters plus a bounded recent-sample
// ring: atomic totals for the hot path, a ring buffer drained
// periodically for richer (min/max/avg) aggregates.
type Metrics struct {
	written    int64
	rotations  int64
	overwrites int64
	buffer     mpmc.RichOverlappedRingBuffer[WriteSample]

	lastMin, lastMax, lastAvg int64
}

const metricsRingSize = 1024

func newMetrics() *Metrics {
	return &Metrics{buffer: mpmc.NewOverlappedRingBuffer[WriteSample](metricsRingSize)}
}

func (m *Metrics) recordWrite(ts uint64, size int) {
	atomic.AddInt64(&m.written, 1)
	overwrites, err := m.buffer.EnqueueM(WriteSample{Ts: ts, Size: size})
	if err == nil && overwrites > 0 {
		atomic.AddInt64(&m.overwrites, int64(overwrites))
	}
}

func (m *Metrics) recordRotation() {
	atomic.AddInt64(&m.rotations, 1)
}

// Snapshot is a point-in-time view of Metrics' counters.
type Snapshot struct {
	WrittenTotal   int64
	Rotations      int64
	SamplesDropped int64
	RecentMin      int64
	RecentMax      int64
	RecentAvg      int64
}

// drainRecent empties the sample ring into min/max/avg aggregates.
func (m *Metrics) drainRecent() {
	var min, max, sum, n int64
	min = -1
	for !m.buffer.IsEmpty() {
		rec, err := m.buffer.Dequeue()
		if err != nil {
			break
		}
		sz := int64(rec.Size)
		if min < 0 || sz < min {
			min = sz
		}
		if sz > max {
			max = sz
		}
		sum += sz
		n++
	}
	if n == 0 {
		return
	}
	atomic.StoreInt64(&m.lastMin, min)
	atomic.StoreInt64(&m.lastMax, max)
	atomic.StoreInt64(&m.lastAvg, sum/n)
}

// Snapshot returns the logger's current write metrics.
func (l *Logger) Snapshot() Snapshot {
	l.metrics.drainRecent()
	return Snapshot{
		WrittenTotal:   atomic.LoadInt64(&l.metrics.written),
		Rotations:      atomic.LoadInt64(&l.metrics.rotations),
		SamplesDropped: atomic.LoadInt64(&l.metrics.overwrites),
		RecentMin:      atomic.LoadInt64(&l.metrics.lastMin),
		RecentMax:      atomic.LoadInt64(&l.metrics.lastMax),
		RecentAvg:      atomic.LoadInt64(&l.metrics.lastAvg),
	}
}
