package regio

import "sync"

// SimPlatform is an in-memory Platform used by tests and the debug CLI.
// It is not a hardware model; it just remembers what was written so
// tests can assert on it, and lets tests inject read values to exercise
// poll/parity/error paths deterministically.
type SimPlatform struct {
	mu       sync.Mutex
	regs     map[uint32]uint64
	freqKHz  uint32
	onRead   func(off uint32, cur uint64) uint64
	writeLog []PdumpRecord
}

// NewSimPlatform returns a zeroed platform. freqKHz of 0 means "unknown"
// and exercises the 100us fallback poll delay.
func NewSimPlatform(freqKHz uint32) *SimPlatform {
	return &SimPlatform{regs: make(map[uint32]uint64), freqKHz: freqKHz}
}

func (s *SimPlatform) Read64(off uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.regs[off]
	if s.onRead != nil {
		v = s.onRead(off, v)
	}
	return v
}

func (s *SimPlatform) Write64(off uint32, val uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[off] = val
	s.writeLog = append(s.writeLog, PdumpRecord{Write: true, Off: off, Val: val})
}

func (s *SimPlatform) FrequencyKHz() uint32 { return s.freqKHz }

// Set directly injects a register value, bypassing write logging.
func (s *SimPlatform) Set(off uint32, val uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[off] = val
}

// Get reads a register value without triggering onRead hooks.
func (s *SimPlatform) Get(off uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[off]
}

// OnRead installs a callback invoked on every Read64, letting tests
// simulate a device that mutates state as it's polled (e.g. completing
// a poll after N reads, or flipping a parity bit).
func (s *SimPlatform) OnRead(f func(off uint32, cur uint64) uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = f
}

// WriteLog returns every write issued so far, in order.
func (s *SimPlatform) WriteLog() []PdumpRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PdumpRecord, len(s.writeLog))
	copy(out, s.writeLog)
	return out
}

// RecordingSink collects pdump records for test assertions.
type RecordingSink struct {
	mu      sync.Mutex
	records []PdumpRecord
}

func (r *RecordingSink) Write(rec PdumpRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *RecordingSink) Records() []PdumpRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PdumpRecord, len(r.records))
	copy(out, r.records)
	return out
}
