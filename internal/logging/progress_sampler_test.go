package logging

import "testing"

func TestNewProgressSamplerDefaults(t *testing.T) {
	tests := []struct {
		name       string
		bucketSize float64
		wantSize   float64
	}{
		{"default bucket size for zero", 0, 25},
		{"default bucket size for negative", -1, 25},
		{"custom bucket size", 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProgressSampler(tt.bucketSize)
			if s.bucketSize != tt.wantSize {
				t.Errorf("bucketSize = %v, want %v", s.bucketSize, tt.wantSize)
			}
		})
	}
}

func TestProgressSamplerNil(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog("job", 1, 2) {
		t.Error("ShouldLog on nil sampler should always return true")
	}
	s.Forget("job")
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(25)

	steps := []struct {
		done, total int
		want        bool
	}{
		{0, 8, true},
		{1, 8, false},
		{2, 8, true},
		{3, 8, false},
		{4, 8, true},
		{8, 8, true},
		{8, 8, false},
	}
	for i, step := range steps {
		if got := s.ShouldLog("job-a", step.done, step.total); got != step.want {
			t.Fatalf("step %d: ShouldLog(%d/%d) = %v, want %v", i, step.done, step.total, got, step.want)
		}
	}

	if !s.ShouldLog("job-b", 0, 8) {
		t.Fatal("jobs must be sampled independently")
	}

	s.Forget("job-a")
	if !s.ShouldLog("job-a", 8, 8) {
		t.Fatal("expected forgotten job to log again")
	}
}
