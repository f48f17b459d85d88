package logging

import "sync"

// ProgressSampler suppresses repetitive per-job progress logs, emitting only
// when a job crosses a percentage bucket.
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize float64
	last       map[string]int
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 25%).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 25
	}
	return &ProgressSampler{bucketSize: bucketSize, last: make(map[string]int)}
}

// ShouldLog reports whether progress for jobID should be logged. A zero total
// always logs once.
func (s *ProgressSampler) ShouldLog(jobID string, done, total int) bool {
	if s == nil {
		return true
	}
	percent := 100.0
	if total > 0 {
		percent = float64(done) * 100 / float64(total)
	}
	bucket := int(percent / s.bucketSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.last[jobID]
	if seen && bucket <= prev {
		return false
	}
	s.last[jobID] = bucket
	return true
}

// Forget drops state for a finished job.
func (s *ProgressSampler) Forget(jobID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.last, jobID)
	s.mu.Unlock()
}
