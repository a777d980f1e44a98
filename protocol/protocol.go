package protocol

import (
	"errors"
	"hash/crc32"
	"time"
)

// --- Constants ---

const (
	DefaultPort         = ":7850"
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	IdleTimeout         = 3 * 60 * time.Second
	ShutdownTimeout     = 10 * time.Second

	// ProtoHeaderSize is the fixed size of every packet header.
	// Format: [ OpCode/Status (1 byte) | PayloadLength (4 bytes) ]
	ProtoHeaderSize = 5

	MaxCommandSize = 64 * 1024 * 1024 // 64MB limit (must fit in uint32)
	MaxFrameSize   = 16 * 1024 * 1024 // 16MB limit for a single log frame

	// ReplicaWriteTimeout bounds how long the primary blocks on a hung
	// replica before dropping the stream.
	ReplicaWriteTimeout = 10 * time.Second

	// StreamChannelDepth is the bounded capacity between the log reader
	// and the per-replica connection writer.
	StreamChannelDepth = 32

	// SnapshotRateLimit caps full-sync bandwidth (32MB/s) so a resyncing
	// replica cannot starve live traffic of disk throughput.
	SnapshotRateLimit = 32 * 1024 * 1024
)

// OpCodes define the commands in the whimbrel wire protocol.
const (
	OpCodePing uint8 = 0x01

	// OpCodeExec executes a statement batch.
	// Payload: [TxState(1)][Count(4)] then per statement [Len(4)][SQL].
	// OK response: [TxState(1)][JSON results]. Err and TxInvalid
	// responses also lead with the session's resulting [TxState(1)],
	// followed by the message.
	OpCodeExec uint8 = 0x02

	// OpCodeReplHello registers the caller as a replica.
	// Payload: [IDLen(4)][ReplicaID].
	// OK response payload: [GenIDLen(4)][GenID][GenStart(8)][DBIDLen(4)][DBID].
	OpCodeReplHello uint8 = 0x50

	// OpCodeLogEntries opens a live frame stream.
	// Payload: [NextOffset(8)].
	OpCodeLogEntries uint8 = 0x51

	// OpCodeSnapshot opens a finite snapshot frame stream.
	// Payload: [NextOffset(8)].
	OpCodeSnapshot uint8 = 0x52

	// OpCodeFrame carries one log frame downstream.
	// Payload: [CRC(4)][Offset(8)][FrameBytes].
	OpCodeFrame uint8 = 0x53

	// OpCodeSnapshotDone terminates a snapshot stream.
	// Payload: [ResumeOffset(8)], the offset LogEntries should resume at.
	OpCodeSnapshotDone uint8 = 0x54

	// OpCodeReplAck reports replica apply progress upstream.
	// Payload: [AppliedOffset(8)].
	OpCodeReplAck uint8 = 0x55

	OpCodeQuit uint8 = 0xFF
)

// Response status codes, returned in the first header byte.
const (
	ResStatusOK             = 0x00
	ResStatusErr            = 0x01 // internal error, payload carries a message
	ResStatusNoHello        = 0x02 // stream requested before a Hello handshake
	ResStatusNeedSnapshot   = 0x03 // requested offset compacted away
	ResStatusUnavailable    = 0x04 // no snapshot covers the requested offset
	ResStatusTxInvalid      = 0x05 // batch produces an invalid transaction state
	ResStatusServerBusy     = 0x06
	ResStatusEntityTooLarge = 0x07
)

// Errors
var (
	ErrCrcMismatch     = errors.New("crc checksum mismatch")
	ErrClosed          = errors.New("log closed")
	ErrCommandTooLarge = errors.New("command too large")
	ErrBusy            = errors.New("server busy")
)

var Crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ChecksumFrame computes the checksum carried in OpCodeFrame packets,
// over the offset and frame bytes.
func ChecksumFrame(b []byte) uint32 {
	return crc32.Checksum(b, Crc32Table)
}
