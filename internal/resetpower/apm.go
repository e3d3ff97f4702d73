package resetpower

import (
	"sync"
	"time"
)

// APMTimer fires its callback pm_delay after the owning core goes
// idle, unless cancelled first by a re-allocation. One timer instance
// is owned per core by the caller (the device wires N of these). Built
// around time.AfterFunc rather than a ticker since APM only ever needs
// a single one-shot delay per arm, never a periodic pulse.
type APMTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	armed   bool
	onFire  func()
}

// NewAPMTimer builds an idle timer that calls onFire when it expires.
func NewAPMTimer(onFire func()) *APMTimer {
	return &APMTimer{onFire: onFire}
}

// Arm schedules onFire to run after delay, replacing any prior arm.
func (a *APMTimer) Arm(delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.armed = true
	a.timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		a.armed = false
		a.mu.Unlock()
		a.onFire()
	})
}

// Cancel disarms the timer if it hasn't fired yet; returns true if it
// successfully prevented a pending fire.
func (a *APMTimer) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return false
	}
	stopped := a.timer.Stop()
	a.armed = false
	return stopped
}

// Armed reports whether the timer is currently pending.
func (a *APMTimer) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// ShouldSkipAPM reports whether APM must be skipped this cycle: during
// calibration, or when the no_clock_disable tunable is set.
func ShouldSkipAPM(calibrating, noClockDisable bool) bool {
	return calibrating || noClockDisable
}
