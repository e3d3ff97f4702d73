// Package scheduler implements the priority picker and per-priority
// session round robin. The highest priority index is the most urgent;
// pri_windows[p] is p's own lottery weight, used only when at least
// one configured window is non-zero.
package scheduler

import (
	"github.com/nnasched/core/internal/rng"
)

// SessionRing is a cyclic, per-priority list of session ids with an
// O(1)-rotate head cursor, the "owned slice + head index" shape Design
// Notes calls for instead of an intrusive linked list.
type SessionRing struct {
	sessions []uint64
	head     int
}

// NewSessionRing builds a ring from sessions in submission order.
func NewSessionRing(sessions []uint64) *SessionRing {
	return &SessionRing{sessions: append([]uint64(nil), sessions...)}
}

// Add appends a session to the tail of the ring.
func (r *SessionRing) Add(id uint64) {
	r.sessions = append(r.sessions, id)
}

// Remove drops a session from the ring, fixing up the head cursor so
// the relative rotation order of the remaining sessions is preserved.
func (r *SessionRing) Remove(id uint64) {
	for i, s := range r.sessions {
		if s != id {
			continue
		}
		r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
		if len(r.sessions) == 0 || r.head >= len(r.sessions) {
			r.head = 0
		} else if i < r.head {
			r.head--
		}
		return
	}
}

// Len reports the number of sessions currently in the ring.
func (r *SessionRing) Len() int { return len(r.sessions) }

// Order returns the sessions starting at head, in scheduling order.
func (r *SessionRing) Order() []uint64 {
	n := len(r.sessions)
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = r.sessions[(r.head+i)%n]
	}
	return out
}

// Advance rotates the ring by one: the session after the current head
// becomes head.
func (r *SessionRing) Advance() {
	if len(r.sessions) == 0 {
		return
	}
	r.head = (r.head + 1) % len(r.sessions)
}

// PickPriority implements 4.E's priority selection. nonEmpty[p] is true
// when priority p has at least one ready cmd. windows may be nil or
// all-zero, which selects strict mode. Returns (priority, true), or
// (0, false) if nothing is ready.
func PickPriority(nonEmpty []bool, windows []uint32, r *rng.MT19937) (int, bool) {
	var onlyP = -1
	count := 0
	var total uint64
	for p, ne := range nonEmpty {
		if !ne {
			continue
		}
		count++
		onlyP = p
		if p < len(windows) {
			total += uint64(windows[p])
		}
	}
	if count == 0 {
		return 0, false
	}
	if count == 1 {
		return onlyP, true
	}
	if total == 0 {
		// Strict mode: the most urgent (highest index) non-empty priority wins.
		for p := len(nonEmpty) - 1; p >= 0; p-- {
			if nonEmpty[p] {
				return p, true
			}
		}
		return 0, false
	}

	draw := uint64(r.GenRange(0, uint32(total)))
	var acc uint64
	for p, ne := range nonEmpty {
		if !ne {
			continue
		}
		if p < len(windows) {
			acc += uint64(windows[p])
		}
		if acc >= draw {
			return p, true
		}
	}
	// Window sums and the draw are both inclusive; if the walk falls off
	// the end, the last non-empty priority takes it.
	for p := len(nonEmpty) - 1; p >= 0; p-- {
		if nonEmpty[p] {
			return p, true
		}
	}
	return 0, false
}
