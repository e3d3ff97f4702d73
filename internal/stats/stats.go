// Package stats accumulates per-device, per-core, and per-WM
// utilization and kick counters. All mutation happens under the
// caller's device lock; this package does no locking of its own.
package stats

import "time"

// KickCounters is the family of kick-outcome counts shared by the
// device, each core, and each WM.
type KickCounters struct {
	Kicks          uint64
	Queued         uint64
	Completed      uint64
	Cancelled      uint64
	Aborted        uint64
	TotalProcUS    uint64
	LastProcUS     uint64
	LastCycles     uint64
	TotalCycles    uint64
}

// AvgProcUS returns the running mean processing time.
func (k *KickCounters) AvgProcUS() uint64 {
	if k.Completed == 0 {
		return 0
	}
	return k.TotalProcUS / k.Completed
}

// Utilization returns TotalProcUS (as ms) / uptimeMS, 0 if uptime is 0.
func (k *KickCounters) Utilization(uptimeMS uint64) float64 {
	if uptimeMS == 0 {
		return 0
	}
	return float64(k.TotalProcUS) / 1000.0 / float64(uptimeMS)
}

// PrioritySchedStat tracks the running mean submit-to-kick latency for
// one priority, weighted by kick count so it updates in O(1).
type PrioritySchedStat struct {
	MeanSubmitToKickNS float64
	Kicks              uint64
}

// Observe folds in one more submit-to-kick sample.
func (p *PrioritySchedStat) Observe(latencyNS int64) {
	p.Kicks++
	p.MeanSubmitToKickNS += (float64(latencyNS) - p.MeanSubmitToKickNS) / float64(p.Kicks)
}

// Stats is the full statistics block owned by the device.
type Stats struct {
	StartedAt time.Time

	Device KickCounters
	Cores  []KickCounters
	WMs    []KickCounters

	SchedByPriority []PrioritySchedStat

	TotalFailures uint64
}

// New allocates per-core/per-WM slices sized for n cores/WMs and p
// priorities.
func New(n, p int) *Stats {
	return &Stats{
		StartedAt:       time.Time{},
		Cores:           make([]KickCounters, n),
		WMs:             make([]KickCounters, n),
		SchedByPriority: make([]PrioritySchedStat, p),
	}
}

// UptimeMS reports elapsed time since StartedAt was set.
func (s *Stats) UptimeMS(now time.Time) uint64 {
	if s.StartedAt.IsZero() {
		return 0
	}
	return uint64(now.Sub(s.StartedAt).Milliseconds())
}

// RecordKick updates device/core/WM kick counters when a cmd is
// successfully dispatched to hardware.
func (s *Stats) RecordKick(coreMask uint8, wmID int) {
	s.Device.Kicks++
	s.WMs[wmID].Kicks++
	for i := range s.Cores {
		if coreMask&(1<<i) != 0 {
			s.Cores[i].Kicks++
		}
	}
}

// RecordQueued updates counters for a low-latency queue (no kick yet).
func (s *Stats) RecordQueued(wmID int) {
	s.Device.Queued++
	s.WMs[wmID].Queued++
}

// RecordCompletion folds processing time and cycles into every level
// that participated in the cmd. A negative wmID means the cmd never
// reached hardware; only device-level counters move then.
func (s *Stats) RecordCompletion(coreMask uint8, wmID int, procUS, cycles uint64, failed bool) {
	apply := func(k *KickCounters) {
		k.Completed++
		k.LastProcUS = procUS
		k.TotalProcUS += procUS
		k.LastCycles = cycles
		k.TotalCycles += cycles
	}
	apply(&s.Device)
	if wmID >= 0 {
		apply(&s.WMs[wmID])
	}
	for i := range s.Cores {
		if coreMask&(1<<i) != 0 {
			apply(&s.Cores[i])
		}
	}
	if failed {
		s.TotalFailures++
	}
}

// RecordCancel/RecordAbort bump the respective counters at every level
// a cmd touched.
func (s *Stats) RecordCancel(coreMask uint8, wmID int) {
	s.Device.Cancelled++
	s.WMs[wmID].Cancelled++
	for i := range s.Cores {
		if coreMask&(1<<i) != 0 {
			s.Cores[i].Cancelled++
		}
	}
}

func (s *Stats) RecordAbort(coreMask uint8, wmID int) {
	s.Device.Aborted++
	s.WMs[wmID].Aborted++
	for i := range s.Cores {
		if coreMask&(1<<i) != 0 {
			s.Cores[i].Aborted++
		}
	}
}
