package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *Log, n int, tag string) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, _, err := l.Append([][]byte{[]byte(fmt.Sprintf("%s-%d", tag, i))}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLog_AppendAssignsDenseOffsets(t *testing.T) {
	l := openTestLog(t, t.TempDir())

	first, last, err := l.Append([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatal(err)
	}
	if first != 0 || last != 2 {
		t.Fatalf("expected offsets 0..2, got %d..%d", first, last)
	}

	first, last, err = l.Append([][]byte{[]byte("d")})
	if err != nil {
		t.Fatal(err)
	}
	if first != 3 || last != 3 {
		t.Fatalf("expected offset 3, got %d..%d", first, last)
	}

	want := []string{"a", "b", "c", "d"}
	for i, w := range want {
		got, err := l.Frame(uint64(i))
		if err != nil {
			t.Fatalf("Frame(%d): %v", i, err)
		}
		if string(got) != w {
			t.Errorf("Frame(%d) = %q, want %q", i, got, w)
		}
	}
}

func TestLog_ReadAheadAndCompacted(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendN(t, l, 3, "f")

	if _, err := l.Frame(3); !errors.Is(err, ErrAhead) {
		t.Errorf("Frame(3) err = %v, want ErrAhead", err)
	}
	if _, err := l.Frame(99); !errors.Is(err, ErrAhead) {
		t.Errorf("Frame(99) err = %v, want ErrAhead", err)
	}

	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Frame(0); !errors.Is(err, ErrCompacted) {
		t.Errorf("Frame(0) after compact err = %v, want ErrCompacted", err)
	}
}

func TestLog_ReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	appendN(t, l, 5, "frame")
	gen := l.Generation()
	dbID := l.DatabaseID()
	l.Close()

	l2 := openTestLog(t, dir)
	if l2.NextOffset() != 5 {
		t.Fatalf("NextOffset after reopen = %d, want 5", l2.NextOffset())
	}
	if g := l2.Generation(); g != gen {
		t.Errorf("generation changed across reopen: %+v vs %+v", g, gen)
	}
	if l2.DatabaseID() != dbID {
		t.Errorf("database id changed across reopen")
	}
	got, err := l2.Frame(4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "frame-4" {
		t.Errorf("Frame(4) = %q after reopen", got)
	}
}

func TestLog_RecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	appendN(t, l, 3, "x")
	l.Close()

	// Simulate a torn write by appending garbage to the live file.
	f, err := os.OpenFile(filepath.Join(dir, "frames.log"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x00, 0x09, 0xde, 0xad}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2 := openTestLog(t, dir)
	if l2.NextOffset() != 3 {
		t.Fatalf("NextOffset after torn tail = %d, want 3", l2.NextOffset())
	}
	if _, _, err := l2.Append([][]byte{[]byte("y")}); err != nil {
		t.Fatal(err)
	}
	got, err := l2.Frame(3)
	if err != nil || string(got) != "y" {
		t.Fatalf("Frame(3) = %q, %v", got, err)
	}
}

func TestLog_WaitAppended(t *testing.T) {
	l := openTestLog(t, t.TempDir())

	done := make(chan error, 1)
	go func() {
		done <- l.WaitAppended(context.Background(), 0)
	}()

	select {
	case <-done:
		t.Fatal("WaitAppended returned before append")
	case <-time.After(20 * time.Millisecond):
	}

	if _, _, err := l.Append([][]byte{[]byte("a")}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitAppended: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAppended did not wake after append")
	}
}

func TestLog_WaitAppendedCancellation(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- l.WaitAppended(ctx, 10)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAppended did not observe cancellation")
	}
}

func TestSnapshot_CoversHistoryAndResumesGapless(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendN(t, l, 10, "s")

	if _, err := l.Snapshot(0); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("Snapshot before compaction err = %v, want ErrSnapshotUnavailable", err)
	}

	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}
	appendN(t, l, 5, "live")

	snap, err := l.Snapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()

	var next uint64
	for {
		off, data, err := snap.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if off != next {
			t.Fatalf("snapshot offset %d, want %d", off, next)
		}
		if string(data) != fmt.Sprintf("s-%d", off) {
			t.Errorf("snapshot frame %d = %q", off, data)
		}
		next = off + 1
	}
	if next != snap.LastOffset()+1 {
		t.Fatalf("snapshot ended at %d, boundary %d", next-1, snap.LastOffset())
	}

	// Resuming the live log at LastOffset()+1 must be gapless.
	frame, err := l.Frame(snap.LastOffset() + 1)
	if err != nil {
		t.Fatalf("resume read: %v", err)
	}
	if string(frame) != "live-0" {
		t.Errorf("resume frame = %q", frame)
	}
}

func TestSnapshot_ResumeOffsetSkipsPrefix(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendN(t, l, 8, "p")
	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(5)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()

	off, data, err := snap.Next()
	if err != nil {
		t.Fatal(err)
	}
	if off != 5 || string(data) != "p-5" {
		t.Fatalf("first frame = %d/%q, want 5/p-5", off, data)
	}
}

func TestSnapshot_UncoveredOffsetUnavailable(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendN(t, l, 4, "q")
	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}

	// Boundary is 3; offset 4 is not covered.
	if _, err := l.Snapshot(4); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("Snapshot(4) err = %v, want ErrSnapshotUnavailable", err)
	}
}

func TestCompact_RepeatedKeepsWholeHistory(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendN(t, l, 3, "a")
	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}
	appendN(t, l, 3, "b")
	if err := l.Compact(); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Snapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	if snap.LastOffset() != 5 {
		t.Fatalf("boundary = %d, want 5", snap.LastOffset())
	}

	var count int
	for {
		_, _, err := snap.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if count != 6 {
		t.Fatalf("snapshot frame count = %d, want 6", count)
	}
}

func TestLog_FailedAppendLeavesFileConsistent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, Options{Fsync: true})
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, l, 2, "good")

	// Sever the file handle: the append must fail without advancing the
	// index or leaving partial bytes behind.
	l.f.Close()
	if _, _, err := l.Append([][]byte{[]byte("never")}); err == nil {
		t.Fatal("append on severed file succeeded")
	}
	if l.NextOffset() != 2 {
		t.Errorf("failed append advanced next offset: %d", l.NextOffset())
	}
	l.meta.Close()

	// Reopen from disk: only the two durable frames survive.
	l2 := openTestLog(t, dir)
	if l2.NextOffset() != 2 {
		t.Fatalf("reopened next offset = %d, want 2", l2.NextOffset())
	}
	for i := uint64(0); i < 2; i++ {
		payload, err := l2.Frame(i)
		if err != nil {
			t.Fatalf("Frame(%d): %v", i, err)
		}
		if string(payload) != fmt.Sprintf("good-%d", i) {
			t.Errorf("Frame(%d) = %q", i, payload)
		}
	}
}

func TestCompact_ConcurrentCallsSerialize(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	appendN(t, l, 6, "frame")

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- l.Compact() }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}

	// The log stays consistent: one boundary, whole history covered,
	// live appends continue from the head.
	if _, _, err := l.Append([][]byte{[]byte("after")}); err != nil {
		t.Fatal(err)
	}
	snap, err := l.Snapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Close()
	if snap.LastOffset() != 5 {
		t.Fatalf("snapshot boundary = %d, want 5", snap.LastOffset())
	}
	for want := uint64(0); ; want++ {
		offset, _, err := snap.Next()
		if err == io.EOF {
			if want != 6 {
				t.Fatalf("snapshot ended at %d frames, want 6", want)
			}
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if offset != want {
			t.Fatalf("snapshot offset = %d, want %d", offset, want)
		}
	}
	if payload, err := l.Frame(6); err != nil || string(payload) != "after" {
		t.Fatalf("live frame after compaction = %q, %v", payload, err)
	}
}

func TestLog_ConcurrentAppendAndRead(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	const total = 200

	go func() {
		for i := 0; i < total; i++ {
			l.Append([][]byte{[]byte(fmt.Sprintf("c-%d", i))})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := uint64(0); i < total; i++ {
		if err := l.WaitAppended(ctx, i); err != nil {
			t.Fatal(err)
		}
		got, err := l.Frame(i)
		if err != nil {
			t.Fatalf("Frame(%d): %v", i, err)
		}
		if string(got) != fmt.Sprintf("c-%d", i) {
			t.Fatalf("Frame(%d) = %q out of order", i, got)
		}
	}
}
