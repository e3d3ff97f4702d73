package cmdlifecycle

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MarshalUserCmd encodes the fixed UserCmd header in wire order. Only
// used by tests that want to assert the on-the-wire shape; the scheduler
// itself operates on UserCmd/SubmitMulti values, never raw bytes.
func MarshalUserCmd(c UserCmd) []byte {
	buf := make([]byte, 4+1+1+1+4+1)
	binary.LittleEndian.PutUint32(buf[0:4], c.CmdID)
	buf[4] = c.CmdType
	buf[5] = c.NumInbufs
	buf[6] = c.NumBufs
	binary.LittleEndian.PutUint32(buf[7:11], c.Flags)
	buf[11] = c.Priority
	return buf
}

// UnmarshalUserCmd is the inverse of MarshalUserCmd.
func UnmarshalUserCmd(b []byte) (UserCmd, error) {
	if len(b) < 12 {
		return UserCmd{}, fmt.Errorf("cmdlifecycle: short UserCmd buffer: %d bytes", len(b))
	}
	return UserCmd{
		CmdID:     binary.LittleEndian.Uint32(b[0:4]),
		CmdType:   b[4],
		NumInbufs: b[5],
		NumBufs:   b[6],
		Flags:     binary.LittleEndian.Uint32(b[7:11]),
		Priority:  b[11],
	}, nil
}

// MarshalSubmitMulti encodes the variable payload: a count-prefixed
// sequence of uint32 command-stream buffer ids, then a count-prefixed
// sequence of alt-address ids with parallel regidx/offset/size arrays.
func MarshalSubmitMulti(s SubmitMulti) []byte {
	var buf bytes.Buffer
	writeU32Slice(&buf, s.CoreCmdBufIDs)
	writeU32Slice(&buf, s.AltAddrIDs)
	binary.Write(&buf, binary.LittleEndian, uint32(len(s.RegIdx)))
	buf.Write(s.RegIdx)
	writeU64Slice(&buf, s.BufOffsets)
	writeU64Slice(&buf, s.BufSizes)
	binary.Write(&buf, binary.LittleEndian, s.SharedCircBufOffs)
	binary.Write(&buf, binary.LittleEndian, s.EstimatedCycles)
	binary.Write(&buf, binary.LittleEndian, s.ExecTimeUS)
	binary.Write(&buf, binary.LittleEndian, s.HWBrns)
	writeU32Slice(&buf, s.CRCs)
	return buf.Bytes()
}

func writeU32Slice(buf *bytes.Buffer, s []uint32) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	for _, v := range s {
		binary.Write(buf, binary.LittleEndian, v)
	}
}

func writeU64Slice(buf *bytes.Buffer, s []uint64) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	for _, v := range s {
		binary.Write(buf, binary.LittleEndian, v)
	}
}
