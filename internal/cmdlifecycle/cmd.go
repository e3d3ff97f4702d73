// Package cmdlifecycle implements the user command data model and its
// lifecycle operations: enqueue, rollback, completion, and cancel by
// id mask.
package cmdlifecycle

import (
	"fmt"
	"time"

	"github.com/nnasched/core/internal/ledger"
)

// UserCmd is the fixed header of a user-submitted workload.
type UserCmd struct {
	CmdID     uint32
	CmdType   uint8
	NumInbufs uint8
	NumBufs   uint8
	Flags     uint32
	Priority  uint8
}

// Flag bits recognized in UserCmd.Flags.
const (
	FlagCheckCRC uint32 = 1 << 0
)

// SubmitMulti is the CNN_SUBMIT_MULTI payload.
type SubmitMulti struct {
	CoreCmdBufIDs     []uint32 // first zero entry means "no more"
	AltAddrIDs        []uint32
	RegIdx            []uint8
	BufOffsets        []uint64
	BufSizes          []uint64
	OnchipLocalBufs   []uint32
	OnchipSharedBufs  []uint32
	SharedCircBufOffs uint32
	EstimatedCycles   uint32
	ExecTimeUS        uint32
	HWBrns            uint32
	CRCs              []uint32 // present iff FlagCheckCRC set
}

// NumCores reports how many leading non-zero buffer ids precede the
// terminating zero entry (or the whole slice if none is zero).
func (s *SubmitMulti) NumCores() int {
	for i, id := range s.CoreCmdBufIDs {
		if id == 0 {
			return i
		}
	}
	return len(s.CoreCmdBufIDs)
}

// Response is the completion payload handed back to user space.
type Response struct {
	CmdID       uint32
	ErrNo       int32
	RspErrFlags uint64
	LastProcUS  uint64
	HWCycles    uint64
	MemUsage    uint64
}

// Cmd is one in-flight workload.
type Cmd struct {
	SessionID   uint64
	Priority    int
	User        UserCmd
	Submit      SubmitMulti
	InHW        bool
	Queued      bool
	RolledBack  bool
	Sched       *ledger.HwSchedInfo
	WMCmdID     uint32
	HwProcStart time.Time
	SubmitTS    time.Time
	ResponseSlot int
}

// HoldsSchedulingSlot reports whether this cmd currently owns a
// non-freed ledger slot; the scheduler skips such cmds.
func (c *Cmd) HoldsSchedulingSlot() bool {
	return c.Sched != nil && !c.Sched.Freed
}

// Session holds one session's per-priority cmd queues and response list.
type Session struct {
	ID              uint64
	Cmds            [][]*Cmd // indexed by priority
	PriQCounters    []int
	Responses       []Response
}

// NewSession allocates a session with numPriorities empty queues.
func NewSession(id uint64, numPriorities int) *Session {
	return &Session{
		ID:           id,
		Cmds:         make([][]*Cmd, numPriorities),
		PriQCounters: make([]int, numPriorities),
	}
}

// EnqueueParams bundles the Enqueue validation inputs that depend on
// device/session state the lifecycle package doesn't own directly.
type EnqueueParams struct {
	MaxAltAddrs          int
	NumPriorities         int
	CombinedCRCEnabled    bool
	BufferExists          func(id uint32) bool
}

// Enqueue validates and appends cmd to its session's priority queue,
// clamping an out-of-range priority rather than rejecting it.
func Enqueue(sess *Session, cmd *Cmd, p EnqueueParams) error {
	if int(cmd.User.NumBufs) > p.MaxAltAddrs {
		return fmt.Errorf("cmdlifecycle: num_bufs %d exceeds max alt addrs %d", cmd.User.NumBufs, p.MaxAltAddrs)
	}
	numCores := cmd.Submit.NumCores()
	if numCores == 0 {
		return fmt.Errorf("cmdlifecycle: command-stream buffer id 0 must be non-zero")
	}
	for i := 0; i < numCores; i++ {
		if cmd.Submit.CoreCmdBufIDs[i] == 0 {
			return fmt.Errorf("cmdlifecycle: command-stream buffer id %d must be non-zero", i)
		}
		if p.BufferExists != nil && !p.BufferExists(cmd.Submit.CoreCmdBufIDs[i]) {
			return fmt.Errorf("cmdlifecycle: buffer id %d does not exist in session", cmd.Submit.CoreCmdBufIDs[i])
		}
	}
	for _, id := range cmd.Submit.AltAddrIDs {
		if p.BufferExists != nil && !p.BufferExists(id) {
			return fmt.Errorf("cmdlifecycle: alt-address buffer id %d does not exist in session", id)
		}
	}
	wantsCRC := cmd.User.Flags&FlagCheckCRC != 0
	if wantsCRC != p.CombinedCRCEnabled {
		return fmt.Errorf("cmdlifecycle: CHECK_CRC flag (%v) does not match combined-CRC feature state (%v)", wantsCRC, p.CombinedCRCEnabled)
	}

	pri := int(cmd.User.Priority)
	if pri >= p.NumPriorities {
		pri = p.NumPriorities - 1
	}
	cmd.Priority = pri
	cmd.SubmitTS = time.Now()

	sess.Cmds[pri] = append(sess.Cmds[pri], cmd)
	sess.PriQCounters[pri]++
	return nil
}

// Rollback marks cmd as rolled back and clears its in-flight flags;
// callers are responsible for releasing its ledger slot first.
func Rollback(c *Cmd) {
	c.InHW = false
	c.Queued = false
	c.RolledBack = true
}

// Complete computes proc_us as end minus the later of this cmd's HW
// start and the WM's previous completion, and builds the response.
func Complete(c *Cmd, end, prevWMEnd time.Time, hwCycles uint64, errFlags uint64, errNo int32) Response {
	base := c.HwProcStart
	if prevWMEnd.After(base) {
		base = prevWMEnd
	}
	procUS := uint64(0)
	if end.After(base) {
		procUS = uint64(end.Sub(base).Microseconds())
	}
	return Response{
		CmdID:       c.User.CmdID,
		ErrNo:       errNo,
		RspErrFlags: errFlags,
		LastProcUS:  procUS,
		HWCycles:    hwCycles,
	}
}

// CancelByMask removes every queued (not yet scheduled) cmd in sess
// whose (cmd_id & mask) == cmdID, returning the removed cmds so the
// caller can roll back any that were already in hardware separately.
func CancelByMask(sess *Session, cmdID, mask uint32) []*Cmd {
	var removed []*Cmd
	for p := range sess.Cmds {
		kept := sess.Cmds[p][:0]
		for _, c := range sess.Cmds[p] {
			if c.User.CmdID&mask == cmdID {
				removed = append(removed, c)
				sess.PriQCounters[p]--
				continue
			}
			kept = append(kept, c)
		}
		sess.Cmds[p] = kept
	}
	return removed
}
