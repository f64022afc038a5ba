package cqstore

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// OpKind names a store operation
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpsert
	OpDelete
	OpGet
	OpContains
	OpList
	OpCompact
)

var opKindNames = map[OpKind]string{
	OpInsert:   "insert",
	OpUpsert:   "upsert",
	OpDelete:   "delete",
	OpGet:      "get",
	OpContains: "contains",
	OpList:     "list",
	OpCompact:  "compact",
}

func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", k)
}

func (k OpKind) isWrite() bool {
	switch k {
	case OpInsert, OpUpsert, OpDelete, OpCompact:
		return true
	}
	return false
}

// Sample is the timing of one finished operation
type Sample struct {
	Kind     OpKind        `json:"kind"`
	Key      string        `json:"key,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Stats is a point in time view of a store
type Stats struct {
	Count          int       `json:"count"`
	OpsTotal       uint64    `json:"ops_total"`
	OpsRead        uint64    `json:"ops_read"`
	OpsWrite       uint64    `json:"ops_write"`
	LogSizeBytes   int64     `json:"log_size_bytes"`
	IndexSizeBytes int64     `json:"index_size_bytes"`
	LiveBytes      int64     `json:"live_bytes"`
	GarbageBytes   int64     `json:"garbage_bytes"`
	LastModified   time.Time `json:"last_modified"`
	Dirty          bool      `json:"dirty"`
	RecentSamples  []Sample  `json:"recent_samples"`
}

// sampleRing keeps the last cap samples
type sampleRing struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]Sample, capacity)}
}

func (r *sampleRing) add(s Sample) {
	if len(r.buf) == 0 {
		return
	}
	r.mu.Lock()
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns the samples oldest first
func (r *sampleRing) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Sample(nil), r.buf[:r.next]...)
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// storeStats holds the counters of one store
type storeStats struct {
	opsRead  atomic.Uint64
	opsWrite atomic.Uint64
	entries  atomic.Int64
	logSize  atomic.Int64

	samples *sampleRing

	set       *metrics.Set
	reads     *metrics.Counter
	writes    *metrics.Counter
	durations map[OpKind]*metrics.Histogram
}

func newStoreStats(sampleCapacity int) *storeStats {
	st := &storeStats{
		samples:   newSampleRing(sampleCapacity),
		set:       metrics.NewSet(),
		durations: make(map[OpKind]*metrics.Histogram, len(opKindNames)),
	}
	st.reads = st.set.NewCounter(`cqstore_ops_total{kind="read"}`)
	st.writes = st.set.NewCounter(`cqstore_ops_total{kind="write"}`)
	for kind, name := range opKindNames {
		st.durations[kind] = st.set.NewHistogram(fmt.Sprintf(`cqstore_op_duration_seconds{op=%q}`, name))
	}
	st.set.NewGauge(`cqstore_entries`, func() float64 {
		return float64(st.entries.Load())
	})
	st.set.NewGauge(`cqstore_log_size_bytes`, func() float64 {
		return float64(st.logSize.Load())
	})
	return st
}

func (st *storeStats) record(kind OpKind, key string, start time.Time) {
	elapsed := time.Since(start)
	if kind.isWrite() {
		st.opsWrite.Add(1)
		st.writes.Inc()
	} else {
		st.opsRead.Add(1)
		st.reads.Inc()
	}
	if h, ok := st.durations[kind]; ok {
		h.Update(elapsed.Seconds())
	}
	st.samples.add(Sample{Kind: kind, Key: key, Duration: elapsed, At: start})
}

// Stats reports counters, file sizes and the recent operation samples
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		OpsRead:       s.stats.opsRead.Load(),
		OpsWrite:      s.stats.opsWrite.Load(),
		Dirty:         s.dirty(),
		RecentSamples: s.stats.samples.snapshot(),
	}
	st.OpsTotal = st.OpsRead + st.OpsWrite

	it := s.keydir.Iterator()
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		entry := it.Value()
		st.Count++
		st.LiveBytes += int64(entry.Length)
		if entry.LastModified.After(st.LastModified) {
			st.LastModified = entry.LastModified
		}
	}

	st.LogSizeBytes = fileSize(s.options.logPath)
	st.IndexSizeBytes = fileSize(s.options.indexPath)
	if st.LogSizeBytes > st.LiveBytes {
		st.GarbageBytes = st.LogSizeBytes - st.LiveBytes
	}
	return st
}

// WritePrometheus writes the store metrics in Prometheus text format
func (s *Store) WritePrometheus(w io.Writer) {
	s.stats.set.WritePrometheus(w)
}
