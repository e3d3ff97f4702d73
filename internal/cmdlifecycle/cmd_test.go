package cmdlifecycle

import (
	"testing"
	"time"
)

func params() EnqueueParams {
	return EnqueueParams{
		MaxAltAddrs:       16,
		NumPriorities:     3,
		CombinedCRCEnabled: false,
		BufferExists:      func(id uint32) bool { return id != 0xdead },
	}
}

func TestEnqueueRejectsZeroBufferID(t *testing.T) {
	sess := NewSession(1, 3)
	cmd := &Cmd{Submit: SubmitMulti{CoreCmdBufIDs: []uint32{0}}}
	if err := Enqueue(sess, cmd, params()); err == nil {
		t.Fatal("expected error for zero leading buffer id when num_cores>0")
	}
}

func TestEnqueueClampsOutOfRangePriority(t *testing.T) {
	sess := NewSession(1, 3)
	cmd := &Cmd{
		User:   UserCmd{Priority: 200},
		Submit: SubmitMulti{CoreCmdBufIDs: []uint32{1, 0}},
	}
	if err := Enqueue(sess, cmd, params()); err != nil {
		t.Fatal(err)
	}
	if cmd.Priority != 2 {
		t.Fatalf("expected clamp to max priority 2, got %d", cmd.Priority)
	}
	if sess.PriQCounters[2] != 1 {
		t.Fatalf("expected counter bump at clamped priority")
	}
}

func TestEnqueueRejectsCRCMismatch(t *testing.T) {
	sess := NewSession(1, 3)
	cmd := &Cmd{
		User:   UserCmd{Flags: FlagCheckCRC},
		Submit: SubmitMulti{CoreCmdBufIDs: []uint32{1, 0}},
	}
	if err := Enqueue(sess, cmd, params()); err == nil {
		t.Fatal("expected CRC flag mismatch to be rejected")
	}
}

func TestCompleteComputesProcUSFromLaterOfStartOrPrevEnd(t *testing.T) {
	start := time.Unix(1000, 0)
	prevEnd := start.Add(5 * time.Second)
	end := prevEnd.Add(2 * time.Second)

	c := &Cmd{HwProcStart: start, User: UserCmd{CmdID: 42}}
	resp := Complete(c, end, prevEnd, 1000, 0, 0)
	if resp.LastProcUS != 2_000_000 {
		t.Fatalf("expected 2s of proc time, got %dus", resp.LastProcUS)
	}
	if resp.CmdID != 42 {
		t.Fatalf("expected cmd id to propagate, got %d", resp.CmdID)
	}
}

func TestCancelByMaskRemovesMatchingAndKeepsRest(t *testing.T) {
	sess := NewSession(1, 2)
	a := &Cmd{User: UserCmd{CmdID: 0x10}}
	b := &Cmd{User: UserCmd{CmdID: 0x11}}
	sess.Cmds[0] = []*Cmd{a, b}
	sess.PriQCounters[0] = 2

	removed := CancelByMask(sess, 0, 0) // mask=0 matches everything
	if len(removed) != 2 {
		t.Fatalf("expected both cmds removed with mask=0, got %d", len(removed))
	}
	if sess.PriQCounters[0] != 0 {
		t.Fatalf("expected counter to return to 0, got %d", sess.PriQCounters[0])
	}
}

func TestCancelByMaskSelective(t *testing.T) {
	sess := NewSession(1, 1)
	a := &Cmd{User: UserCmd{CmdID: 0x10}}
	b := &Cmd{User: UserCmd{CmdID: 0x20}}
	sess.Cmds[0] = []*Cmd{a, b}
	sess.PriQCounters[0] = 2

	removed := CancelByMask(sess, 0x10, 0xff)
	if len(removed) != 1 || removed[0] != a {
		t.Fatalf("expected only cmd 0x10 removed, got %v", removed)
	}
	if len(sess.Cmds[0]) != 1 || sess.Cmds[0][0] != b {
		t.Fatalf("expected b to remain queued")
	}
}
