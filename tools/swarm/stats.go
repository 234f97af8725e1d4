package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// OpType labels a recorded API call
type OpType int

const (
	OpDispatch OpType = iota
	OpClaim
	OpNoWork
	OpFinish
	OpFail
)

// Stats tracks swarm statistics using atomic operations.
type Stats struct {
	dispatched  uint64
	claimed     uint64
	noWork      uint64
	finished    uint64
	failed      uint64
	errors      uint64
	unavailable uint64
	duplicates  uint64

	// Latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64

	// Sources currently claimed, used to detect duplicate dispatch
	active sync.Map
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordOp records a successful call.
func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	switch opType {
	case OpDispatch:
		atomic.AddUint64(&s.dispatched, 1)
	case OpClaim:
		atomic.AddUint64(&s.claimed, 1)
	case OpNoWork:
		atomic.AddUint64(&s.noWork, 1)
	case OpFinish:
		atomic.AddUint64(&s.finished, 1)
	case OpFail:
		atomic.AddUint64(&s.failed, 1)
	}

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed call; backpressure refusals are counted apart.
func (s *Stats) RecordError(err error) {
	if IsUnavailable(err) {
		atomic.AddUint64(&s.unavailable, 1)
		return
	}
	atomic.AddUint64(&s.errors, 1)
}

// Acquire marks source as claimed. It returns false if another worker
// already holds an active claim on it.
func (s *Stats) Acquire(source string) bool {
	if _, loaded := s.active.LoadOrStore(source, struct{}{}); loaded {
		atomic.AddUint64(&s.duplicates, 1)
		return false
	}
	return true
}

// Release clears the active claim on source.
func (s *Stats) Release(source string) {
	s.active.Delete(source)
}

// Duplicates returns the number of concurrent duplicate claims seen.
func (s *Stats) Duplicates() uint64 {
	return atomic.LoadUint64(&s.duplicates)
}

// Snapshot returns a copy of current counters.
type Snapshot struct {
	Dispatched  uint64
	Claimed     uint64
	NoWork      uint64
	Finished    uint64
	Failed      uint64
	Errors      uint64
	Unavailable uint64
	Duplicates  uint64
}

// Total is the number of successful calls
func (s Snapshot) Total() uint64 {
	return s.Dispatched + s.Claimed + s.NoWork + s.Finished + s.Failed
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Dispatched:  atomic.LoadUint64(&s.dispatched),
		Claimed:     atomic.LoadUint64(&s.claimed),
		NoWork:      atomic.LoadUint64(&s.noWork),
		Finished:    atomic.LoadUint64(&s.finished),
		Failed:      atomic.LoadUint64(&s.failed),
		Errors:      atomic.LoadUint64(&s.errors),
		Unavailable: atomic.LoadUint64(&s.unavailable),
		Duplicates:  atomic.LoadUint64(&s.duplicates),
	}
}

// GetLatencyPercentiles returns p50, p90, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*99/100]
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	snap := s.GetSnapshot()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f calls/sec\n", float64(snap.Total())/elapsed.Seconds())
	fmt.Println()

	fmt.Println("Calls:")
	fmt.Printf("  DISPATCH: %d\n", snap.Dispatched)
	fmt.Printf("  CLAIM:    %d\n", snap.Claimed)
	fmt.Printf("  NO WORK:  %d\n", snap.NoWork)
	fmt.Printf("  FINISH:   %d\n", snap.Finished)
	fmt.Printf("  FAIL:     %d\n", snap.Failed)
	fmt.Println()

	if snap.Errors > 0 || snap.Unavailable > 0 {
		fmt.Println("Errors:")
		fmt.Printf("  Unavailable: %d\n", snap.Unavailable)
		fmt.Printf("  Other:       %d\n", snap.Errors)
		fmt.Println()
	}

	p50, p90, p99 := s.GetLatencyPercentiles()
	fmt.Println("Latency (microseconds):")
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P99:   %d\n", p99)

	if snap.Duplicates > 0 {
		fmt.Println()
		fmt.Printf("DUPLICATE CLAIMS: %d\n", snap.Duplicates)
	}
}
