package snapshot

import (
	"os"
	"testing"
)

func TestPriorityName(t *testing.T) {
	tests := []struct {
		prio int32
		want string
	}{
		{-15, "Idle"},
		{-2, "Lowest"},
		{-1, "Below Normal"},
		{0, "Normal"},
		{1, "Above Normal"},
		{2, "Highest"},
		{15, "Time Critical"},
		{7, "Unknown"},
		{-100, "Unknown"},
	}
	for _, tc := range tests {
		if got := PriorityName(tc.prio); got != tc.want {
			t.Errorf("PriorityName(%d) = %q, want %q", tc.prio, got, tc.want)
		}
	}
}

func TestCPUSamplerPrimesThenReports(t *testing.T) {
	s := NewCPUSampler()
	pid := uint32(os.Getpid())

	first := s.Sample([]uint32{pid})
	if got, ok := first[pid]; !ok || got != 0 {
		t.Fatalf("first sample = %v (present=%v), want primed 0", got, ok)
	}
	if _, ok := s.procs[int32(pid)]; !ok {
		t.Fatal("sampler did not cache the pid after priming")
	}

	second := s.Sample([]uint32{pid})
	if _, ok := second[pid]; !ok {
		t.Fatal("second sample dropped a live pid")
	}
}

func TestCPUSamplerDropsExited(t *testing.T) {
	s := NewCPUSampler()
	// A pid absent from the next sample set must leave the cache so the
	// sampler does not grow with process churn.
	s.procs[12345] = nil
	s.Sample(nil)
	if _, ok := s.procs[12345]; ok {
		t.Fatal("stale pid retained in sampler cache")
	}
}
