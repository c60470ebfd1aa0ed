package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks attempt durations and retries for hung detection and reporting.
// One Stats instance is shared by all uploads of an Uploader.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	retries        int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk attempt duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// AddRetry records one scheduled retry.
func (s *Stats) AddRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// Average returns the average upload duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of completed chunk uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// RetryCount returns the number of retries scheduled so far.
func (s *Stats) RetryCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// TotalDuration returns the sum of all upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
