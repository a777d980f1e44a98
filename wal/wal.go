// Package wal implements the durable, append-only frame log a primary
// produces and replicas consume. Frames are opaque byte payloads tagged
// with monotonically increasing offsets scoped to a generation. Compaction
// seals history into immutable snapshot artifacts that replicas fall back
// to when they request trimmed offsets.
package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"whimbrel/protocol"
)

const (
	framesFile = "frames.log"
	metaFile   = "meta.db"

	// recordHeaderSize is Len(4) + Offset(8) + CRC(4).
	recordHeaderSize = 16
)

var (
	bucketMeta      = []byte("meta")
	bucketSnapshots = []byte("snapshots")

	keyGenerationID    = []byte("generation_id")
	keyGenerationStart = []byte("generation_start")
	keyDatabaseID      = []byte("database_id")
	keyLiveStart       = []byte("live_start")
)

// Generation identifies an unbroken epoch of primary authority. Offsets
// are only comparable within one generation.
type Generation struct {
	ID          string
	StartOffset uint64
}

// Errors returned by the read path. Ahead and Compacted are signals, not
// failures: Ahead means wait and retry, Compacted means switch to a
// snapshot.
var (
	ErrAhead               = fmt.Errorf("offset not yet appended")
	ErrCompacted           = fmt.Errorf("offset compacted away")
	ErrSnapshotUnavailable = fmt.Errorf("no snapshot covers the requested offset")
)

// Options configures a Log.
type Options struct {
	// Fsync controls whether Append syncs before returning. Disabled only
	// in tests.
	Fsync bool
	Logger *slog.Logger
}

// Log is the durable frame log. Append is the single point of offset
// assignment; readers are never blocked past the offset they requested.
type Log struct {
	mu   sync.RWMutex
	cond *sync.Cond

	// compactMu serializes whole compaction cycles; mu alone only covers
	// the final index swap.
	compactMu sync.Mutex

	dir  string
	f    *os.File
	meta *bolt.DB

	gen  Generation
	dbID string

	// positions[i] is the file position of frame base+i in frames.log.
	positions []int64
	base      uint64 // oldest offset still in the live file
	next      uint64 // next offset to assign
	size      int64

	fsync  bool
	closed bool
	logger *slog.Logger
}

// Open opens (or initializes) the frame log in dir. A fresh directory
// mints a new generation and database identity.
func Open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meta, err := bolt.Open(filepath.Join(dir, metaFile), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, framesFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		meta.Close()
		return nil, err
	}

	l := &Log{
		dir:    dir,
		f:      f,
		meta:   meta,
		fsync:  opts.Fsync,
		logger: logger,
	}
	l.cond = sync.NewCond(l.mu.RLocker())

	if err := l.loadMeta(); err != nil {
		l.closeFiles()
		return nil, err
	}
	if err := l.recover(); err != nil {
		l.closeFiles()
		return nil, err
	}

	logger.Info("Frame log opened",
		"dir", dir, "generation", l.gen.ID, "gen_start", l.gen.StartOffset,
		"base", l.base, "next", l.next)
	return l, nil
}

// loadMeta reads (or initializes) the generation record, database id and
// live-file floor from the bbolt side store.
func (l *Log) loadMeta() error {
	return l.meta.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}

		if id := b.Get(keyGenerationID); id != nil {
			l.gen.ID = string(id)
			l.gen.StartOffset = getUint64(b, keyGenerationStart)
			l.dbID = string(b.Get(keyDatabaseID))
			l.base = getUint64(b, keyLiveStart)
			return nil
		}

		// Fresh directory: mint a new generation starting at offset 0.
		l.gen = Generation{ID: uuid.NewString(), StartOffset: 0}
		l.dbID = uuid.NewString()
		l.base = 0
		if err := b.Put(keyGenerationID, []byte(l.gen.ID)); err != nil {
			return err
		}
		if err := putUint64(b, keyGenerationStart, l.gen.StartOffset); err != nil {
			return err
		}
		if err := putUint64(b, keyLiveStart, l.base); err != nil {
			return err
		}
		return b.Put(keyDatabaseID, []byte(l.dbID))
	})
}

// recover scans the live file, rebuilding the position index and verifying
// that offsets are dense from the floor. A corrupt tail (torn write) is
// truncated; corruption before the tail is fatal.
func (l *Log) recover() error {
	stat, err := l.f.Stat()
	if err != nil {
		return err
	}
	size := stat.Size()

	l.positions = l.positions[:0]
	l.next = l.base

	var pos int64
	header := make([]byte, recordHeaderSize)
	for pos < size {
		if pos+recordHeaderSize > size {
			break
		}
		if _, err := l.f.ReadAt(header, pos); err != nil {
			return err
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
		offset := binary.BigEndian.Uint64(header[4:12])
		storedCrc := binary.BigEndian.Uint32(header[12:16])

		if payloadLen > protocol.MaxFrameSize || pos+recordHeaderSize+payloadLen > size {
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := l.f.ReadAt(payload, pos+recordHeaderSize); err != nil {
			break
		}

		crc := crc32.Checksum(header[4:12], protocol.Crc32Table)
		crc = crc32.Update(crc, protocol.Crc32Table, payload)
		if crc != storedCrc {
			break
		}

		if offset < l.base {
			// Stale prefix left behind by an interrupted compaction: the
			// floor already moved past these frames, the snapshot artifact
			// holds them.
			pos += recordHeaderSize + payloadLen
			continue
		}
		if offset != l.next {
			return fmt.Errorf("frame log corrupt: offset %d at position %d, expected %d", offset, pos, l.next)
		}

		l.positions = append(l.positions, pos)
		l.next++
		pos += recordHeaderSize + payloadLen
	}

	if pos < size {
		l.logger.Warn("Truncating torn tail of frame log", "valid", pos, "size", size)
		if err := l.f.Truncate(pos); err != nil {
			return err
		}
		if err := l.f.Sync(); err != nil {
			return err
		}
	}
	l.size = pos
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// Append durably persists frames and assigns their offsets. The first and
// last assigned offsets are returned. Frames are never partially visible:
// the in-memory index is only advanced after a successful write and sync.
func (l *Log) Append(frames [][]byte) (first, last uint64, err error) {
	if len(frames) == 0 {
		return 0, 0, fmt.Errorf("empty frame batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, 0, protocol.ErrClosed
	}

	var buf []byte
	newPositions := make([]int64, 0, len(frames))
	pos := l.size
	offset := l.next

	for _, frame := range frames {
		if len(frame) > protocol.MaxFrameSize {
			return 0, 0, fmt.Errorf("frame exceeds max size: %d", len(frame))
		}
		header := make([]byte, recordHeaderSize)
		binary.BigEndian.PutUint32(header[0:4], uint32(len(frame)))
		binary.BigEndian.PutUint64(header[4:12], offset)
		crc := crc32.Checksum(header[4:12], protocol.Crc32Table)
		crc = crc32.Update(crc, protocol.Crc32Table, frame)
		binary.BigEndian.PutUint32(header[12:16], crc)

		buf = append(buf, header...)
		buf = append(buf, frame...)
		newPositions = append(newPositions, pos)
		pos += int64(recordHeaderSize + len(frame))
		offset++
	}

	n, err := l.f.Write(buf)
	if err != nil {
		// Roll the file back to the last consistent point.
		_ = l.f.Truncate(l.size)
		_, _ = l.f.Seek(0, io.SeekEnd)
		return 0, 0, fmt.Errorf("append frames: %w", err)
	}
	if l.fsync {
		if err := l.f.Sync(); err != nil {
			// Unsynced bytes are rolled back too, keeping the file
			// cursor and the index in agreement.
			_ = l.f.Truncate(l.size)
			_, _ = l.f.Seek(0, io.SeekEnd)
			return 0, 0, fmt.Errorf("sync frames: %w", err)
		}
	}

	first = l.next
	last = offset - 1
	l.positions = append(l.positions, newPositions...)
	l.next = offset
	l.size += int64(n)
	l.cond.Broadcast()
	return first, last, nil
}

// Frame returns the payload at offset. ErrAhead means the log has not
// reached that far yet; ErrCompacted means the offset was trimmed and a
// snapshot must be used instead.
func (l *Log) Frame(offset uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, protocol.ErrClosed
	}
	if offset >= l.next {
		return nil, ErrAhead
	}
	if offset < l.base {
		return nil, ErrCompacted
	}
	return l.readFrameAt(l.positions[offset-l.base], offset)
}

// readFrameAt reads and verifies one record. Caller holds at least a read
// lock.
func (l *Log) readFrameAt(pos int64, want uint64) ([]byte, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := l.f.ReadAt(header, pos); err != nil {
		return nil, fmt.Errorf("read frame header at %d: %w", pos, err)
	}
	payloadLen := binary.BigEndian.Uint32(header[0:4])
	offset := binary.BigEndian.Uint64(header[4:12])
	storedCrc := binary.BigEndian.Uint32(header[12:16])

	if offset != want {
		return nil, fmt.Errorf("frame log corrupt: offset %d at position %d, expected %d", offset, pos, want)
	}
	payload := make([]byte, payloadLen)
	if _, err := l.f.ReadAt(payload, pos+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("read frame payload at %d: %w", pos, err)
	}
	crc := crc32.Checksum(header[4:12], protocol.Crc32Table)
	crc = crc32.Update(crc, protocol.Crc32Table, payload)
	if crc != storedCrc {
		return nil, protocol.ErrCrcMismatch
	}
	return payload, nil
}

// WaitAppended blocks until offset has been appended, the context is
// cancelled, or the log is closed.
func (l *Log) WaitAppended(ctx context.Context, offset uint64) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.RLock()
		defer l.mu.RUnlock()
		l.cond.Broadcast()
	})
	defer stop()

	l.mu.RLock()
	defer l.mu.RUnlock()
	for l.next <= offset && !l.closed && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.closed {
		return protocol.ErrClosed
	}
	return ctx.Err()
}

// NextOffset returns the offset the next appended frame will receive.
func (l *Log) NextOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// LiveFrames returns how many frames the live file currently holds. The
// maintenance loop uses this to decide when to compact.
func (l *Log) LiveFrames() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next - l.base
}

// Generation returns the current generation record.
func (l *Log) Generation() Generation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// DatabaseID returns the stable identity token of this database.
func (l *Log) DatabaseID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dbID
}

// Close releases the log. In-flight waiters are woken with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	return l.closeFiles()
}

func (l *Log) closeFiles() error {
	_ = l.f.Sync()
	err := l.f.Close()
	if merr := l.meta.Close(); err == nil {
		err = merr
	}
	return err
}

func getUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}
