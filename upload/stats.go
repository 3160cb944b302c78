package upload

import (
	"sync"
	"time"
)

// FragmentStats is a point-in-time view of the fragments uploaded by a scheduler.
type FragmentStats struct {
	Fragments int64
	Bytes     int64
	Busy      time.Duration
}

// Average is the mean time spent on one fragment request.
func (f FragmentStats) Average() time.Duration {
	if f.Fragments == 0 {
		return 0
	}
	return f.Busy / time.Duration(f.Fragments)
}

// Throughput is the number of bytes sent per second of request time.
func (f FragmentStats) Throughput() float64 {
	if f.Busy <= 0 {
		return 0
	}
	return float64(f.Bytes) / f.Busy.Seconds()
}

// Stats accumulates FragmentStats from concurrent workers.
type Stats struct {
	mu      sync.Mutex
	current FragmentStats
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Update records one accepted fragment of the given size.
func (s *Stats) Update(took time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Fragments++
	s.current.Bytes += size
	s.current.Busy += took
}

// Snapshot returns the totals recorded so far.
func (s *Stats) Snapshot() FragmentStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
