package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"whimbrel/protocol"
)

// Snapshot is a restartable, lazy reader over an immutable snapshot
// artifact. It yields frames in offset order from the requested resume
// point up to the artifact boundary, after which live tailing may resume
// at LastOffset()+1.
type Snapshot struct {
	mu   sync.Mutex
	f    *os.File
	pos  int64
	size int64
	next uint64
	last uint64
	done bool
}

// LastOffset returns the boundary offset the snapshot covers up to.
func (s *Snapshot) LastOffset() uint64 {
	return s.last
}

// Next returns the next frame in the snapshot. io.EOF signals a normal end
// at the boundary; any other error means the artifact is unreadable.
func (s *Snapshot) Next() (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, nil, io.EOF
	}

	header := make([]byte, recordHeaderSize)
	for {
		if s.pos+recordHeaderSize > s.size {
			s.done = true
			return 0, nil, io.EOF
		}
		if _, err := s.f.ReadAt(header, s.pos); err != nil {
			return 0, nil, fmt.Errorf("read snapshot header: %w", err)
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[0:4]))
		offset := binary.BigEndian.Uint64(header[4:12])
		storedCrc := binary.BigEndian.Uint32(header[12:16])

		if s.pos+recordHeaderSize+payloadLen > s.size {
			return 0, nil, fmt.Errorf("snapshot artifact truncated at %d", s.pos)
		}

		// Skip frames below the requested resume point without reading
		// their payloads.
		if offset < s.next {
			s.pos += recordHeaderSize + payloadLen
			continue
		}

		payload := make([]byte, payloadLen)
		if _, err := s.f.ReadAt(payload, s.pos+recordHeaderSize); err != nil {
			return 0, nil, fmt.Errorf("read snapshot payload: %w", err)
		}
		crc := crc32.Checksum(header[4:12], protocol.Crc32Table)
		crc = crc32.Update(crc, protocol.Crc32Table, payload)
		if crc != storedCrc {
			return 0, nil, protocol.ErrCrcMismatch
		}

		s.pos += recordHeaderSize + payloadLen
		s.next = offset + 1
		if offset >= s.last {
			s.done = true
		}
		return offset, payload, nil
	}
}

// Close releases the artifact handle.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return s.f.Close()
}

// Snapshot opens the newest artifact covering the requested offset.
// Artifacts cover the whole history 0..boundary, so any artifact whose
// boundary reaches the offset serves it. ErrSnapshotUnavailable is
// returned when no artifact covers the offset.
func (l *Log) Snapshot(offset uint64) (*Snapshot, error) {
	var path string
	var last uint64
	err := l.meta.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		k, v := c.Last()
		if k == nil {
			return ErrSnapshotUnavailable
		}
		last = binary.BigEndian.Uint64(k)
		if offset > last {
			return ErrSnapshotUnavailable
		}
		path = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(l.dir, path))
	if err != nil {
		return nil, fmt.Errorf("open snapshot artifact: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Snapshot{f: f, size: stat.Size(), next: offset, last: last}, nil
}

// Compact seals all live history into a new whole-history snapshot
// artifact, trims the live file, and advances the compacted floor. Reads
// for trimmed offsets return ErrCompacted afterwards. Only the final
// index swap holds the write lock; the bulk copy runs against immutable
// regions of the live file.
func (l *Log) Compact() error {
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return protocol.ErrClosed
	}
	if l.next == l.base {
		l.mu.Unlock()
		return nil
	}
	boundary := l.next - 1
	liveSize := l.size
	oldBase := l.base
	l.mu.Unlock()

	name := fmt.Sprintf("snap-%020d.wal", boundary)
	tmpPath := filepath.Join(l.dir, name+".tmp")
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	var prevPath string
	_ = l.meta.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketSnapshots).Cursor().Last()
		if v != nil {
			prevPath = string(v)
		}
		return nil
	})

	// Whole-history artifact: previous artifact (0..oldBase-1) followed by
	// the frozen region of the live file (oldBase..boundary).
	if prevPath != "" {
		prev, err := os.Open(filepath.Join(l.dir, prevPath))
		if err != nil {
			out.Close()
			return fmt.Errorf("open previous snapshot: %w", err)
		}
		if _, err := io.Copy(out, prev); err != nil {
			prev.Close()
			out.Close()
			return err
		}
		prev.Close()
	}
	if _, err := io.Copy(out, io.NewSectionReader(l.f, 0, liveSize)); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(l.dir, name)); err != nil {
		return err
	}

	// Record the artifact and the new floor, then swap the live file.
	err = l.meta.Update(func(tx *bolt.Tx) error {
		snaps := tx.Bucket(bucketSnapshots)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, boundary)
		if err := snaps.Put(key, []byte(name)); err != nil {
			return err
		}
		// Retention: only the newest whole-history artifact is kept.
		c := snaps.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) != boundary {
				_ = os.Remove(filepath.Join(l.dir, string(v)))
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return putUint64(tx.Bucket(bucketMeta), keyLiveStart, boundary+1)
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return protocol.ErrClosed
	}

	// Frames appended during the copy stay live: shift them to the front
	// of the file.
	tailSize := l.size - liveSize
	if tailSize > 0 {
		tail := make([]byte, tailSize)
		if _, err := l.f.ReadAt(tail, liveSize); err != nil {
			return err
		}
		if _, err := l.f.WriteAt(tail, 0); err != nil {
			return err
		}
	}
	if err := l.f.Truncate(tailSize); err != nil {
		return err
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	kept := l.next - (boundary + 1)
	newPositions := make([]int64, 0, kept)
	for i := uint64(0); i < kept; i++ {
		newPositions = append(newPositions, l.positions[(boundary+1-oldBase)+i]-liveSize)
	}
	l.positions = newPositions
	l.base = boundary + 1
	l.size = tailSize

	l.logger.Info("Frame log compacted", "boundary", boundary, "new_base", l.base, "artifact", name)
	return nil
}
