package stats

import "testing"

func TestMonotonicCounters(t *testing.T) {
	s := New(2, 2)
	s.RecordKick(0b01, 0)
	s.RecordCompletion(0b01, 0, 100, 500, false)
	s.RecordCompletion(0b01, 0, 50, 200, true)

	if s.Device.Completed != 2 {
		t.Fatalf("expected 2 completions, got %d", s.Device.Completed)
	}
	if s.Device.TotalProcUS != 150 {
		t.Fatalf("expected total proc 150us, got %d", s.Device.TotalProcUS)
	}
	if s.TotalFailures != 1 {
		t.Fatalf("expected 1 failure, got %d", s.TotalFailures)
	}
	if s.Cores[0].TotalProcUS != 150 || s.Cores[1].TotalProcUS != 0 {
		t.Fatalf("unexpected per-core proc us: %+v", s.Cores)
	}
}

func TestPrioritySchedStatRunningMean(t *testing.T) {
	var p PrioritySchedStat
	p.Observe(100)
	p.Observe(300)
	if p.MeanSubmitToKickNS != 200 {
		t.Fatalf("expected running mean 200, got %v", p.MeanSubmitToKickNS)
	}
}

func TestAvgProcUSZeroWhenNoCompletions(t *testing.T) {
	var k KickCounters
	if k.AvgProcUS() != 0 {
		t.Fatal("expected 0 average with no completions")
	}
}
