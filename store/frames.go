package store

import (
	"encoding/binary"
	"fmt"
)

// Frame payload layout: [Count(4)] then per statement [Len(4)][SQL].
// The replication log treats the payload as opaque bytes; only the
// executor on each end understands this encoding.

// EncodeFrame serializes one committed write unit.
func EncodeFrame(stmts []string) []byte {
	size := 4
	for _, s := range stmts {
		size += 4 + len(s)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(stmts)))
	for _, s := range stmts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	return buf
}

// DecodeFrame parses a frame payload back into its statements.
func DecodeFrame(frame []byte) ([]string, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("malformed frame: no count")
	}
	count := binary.BigEndian.Uint32(frame[:4])
	cursor := 4
	stmts := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if cursor+4 > len(frame) {
			return nil, fmt.Errorf("malformed frame: statement %d length truncated", i)
		}
		n := int(binary.BigEndian.Uint32(frame[cursor : cursor+4]))
		cursor += 4
		if cursor+n > len(frame) {
			return nil, fmt.Errorf("malformed frame: statement %d body truncated", i)
		}
		stmts = append(stmts, string(frame[cursor:cursor+n]))
		cursor += n
	}
	if cursor != len(frame) {
		return nil, fmt.Errorf("malformed frame: %d trailing bytes", len(frame)-cursor)
	}
	return stmts, nil
}
