package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"whimbrel/client"
	"whimbrel/config"
	"whimbrel/idle"
	"whimbrel/protocol"
	"whimbrel/proxy"
	"whimbrel/query"
	"whimbrel/store"
	"whimbrel/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testNode struct {
	srv     *Server
	log     *wal.Log
	db      *store.DB
	tracker *idle.Tracker
	tlsConf client.TLSFiles
}

// startTestNode brings up a primary on a loopback port with a freshly
// generated certificate set.
func startTestNode(t *testing.T) *testNode {
	t.Helper()
	home := t.TempDir()

	cfg := config.Config{
		Role:        config.RolePrimary,
		TLSCertFile: filepath.Join(home, "certs/server.crt"),
	}
	if err := config.GenerateConfigArtifacts(home, cfg, filepath.Join(home, "config.json")); err != nil {
		t.Fatal(err)
	}

	logger := testLogger()
	log, err := wal.Open(filepath.Join(home, "log"), wal.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(home, func(frame []byte) error {
		_, _, err := log.Append([][]byte{frame})
		return err
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	tracker := idle.NewTracker(logger)
	srv, err := NewServer("127.0.0.1:0", proxy.NewLocal(db), log, tracker, logger, 16,
		filepath.Join(home, "certs/server.crt"),
		filepath.Join(home, "certs/server.key"),
		filepath.Join(home, "certs/ca.crt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.CloseAll()
	})

	return &testNode{
		srv:     srv,
		log:     log,
		db:      db,
		tracker: tracker,
		tlsConf: client.TLSFiles{
			CertFile: filepath.Join(home, "certs/client.crt"),
			KeyFile:  filepath.Join(home, "certs/client.key"),
			CAFile:   filepath.Join(home, "certs/ca.crt"),
		},
	}
}

func (n *testNode) dial(t *testing.T) *client.Client {
	t.Helper()
	tlsConf, err := client.LoadTLS(n.tlsConf)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial(n.srv.Addr(), tlsConf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_PingAndExec(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	_, state, err := c.Exec(context.Background(), []string{"CREATE TABLE t (a INTEGER)"}, query.StateStart)
	if err != nil {
		t.Fatal(err)
	}
	if state != query.StateStart {
		t.Errorf("state = %v, want start", state)
	}

	res, _, err := c.Exec(context.Background(), []string{
		"INSERT INTO t VALUES (1)",
		"SELECT a FROM t",
	}, query.StateStart)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].RowsAffected != 1 {
		t.Errorf("rows affected = %d", res[0].RowsAffected)
	}
	if res[1].Rows[0][0] != "1" {
		t.Errorf("select rows = %v", res[1].Rows)
	}

	// Both write units must have landed in the log.
	if got := n.log.NextOffset(); got != 2 {
		t.Errorf("log next offset = %d, want 2", got)
	}
}

func TestServer_InteractiveTransaction(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	ctx := context.Background()
	if _, _, err := c.Exec(ctx, []string{"CREATE TABLE t (a INTEGER)"}, query.StateStart); err != nil {
		t.Fatal(err)
	}

	_, state, err := c.Exec(ctx, []string{"BEGIN"}, query.StateStart)
	if err != nil {
		t.Fatal(err)
	}
	if state != query.StateTxnOpened {
		t.Fatalf("state after BEGIN = %v", state)
	}
	if _, state, err = c.Exec(ctx, []string{"INSERT INTO t VALUES (5)"}, state); err != nil {
		t.Fatal(err)
	}
	before := n.log.NextOffset()
	if _, state, err = c.Exec(ctx, []string{"COMMIT"}, state); err != nil {
		t.Fatal(err)
	}
	if state != query.StateTxnClosed {
		t.Errorf("state after COMMIT = %v", state)
	}
	if n.log.NextOffset() != before+1 {
		t.Errorf("commit appended %d frames, want 1", n.log.NextOffset()-before)
	}
}

func TestServer_ExecStateMismatch(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	ctx := context.Background()
	if _, _, err := c.Exec(ctx, []string{"BEGIN"}, query.StateStart); err != nil {
		t.Fatal(err)
	}

	// Claiming a fresh session while a transaction is open must be
	// rejected before anything executes.
	_, _, err := c.Exec(ctx, []string{"SELECT 1"}, query.StateStart)
	if !errors.Is(err, client.ErrTxInvalid) {
		t.Fatalf("err = %v, want ErrTxInvalid", err)
	}
}

func TestServer_SessionRecoversAfterStatementError(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	ctx := context.Background()
	if _, _, err := c.Exec(ctx, []string{"CREATE TABLE t (a INTEGER)"}, query.StateStart); err != nil {
		t.Fatal(err)
	}

	_, state, err := c.Exec(ctx, []string{"BEGIN"}, query.StateStart)
	if err != nil {
		t.Fatal(err)
	}

	// A failing statement rolls the server session back; the error
	// response must report the resulting state so the session is not
	// stuck claiming an open transaction forever.
	_, state, err = c.Exec(ctx, []string{"INSERT INTO nonexistent VALUES (1)"}, state)
	if err == nil {
		t.Fatal("bad insert succeeded")
	}
	if state != query.StateTxnClosed {
		t.Fatalf("reported state after failed statement = %v, want txn_closed", state)
	}

	// With the adopted state, the session keeps working.
	res, state, err := c.Exec(ctx, []string{"SELECT 1"}, state)
	if err != nil {
		t.Fatalf("session wedged after statement error: %v", err)
	}
	if res[0].Rows[0][0] != "1" {
		t.Errorf("select rows = %v", res[0].Rows)
	}

	// A fresh transaction opens and commits cleanly.
	if _, state, err = c.Exec(ctx, []string{"BEGIN"}, state); err != nil {
		t.Fatal(err)
	}
	if _, state, err = c.Exec(ctx, []string{"INSERT INTO t VALUES (1)"}, state); err != nil {
		t.Fatal(err)
	}
	if _, state, err = c.Exec(ctx, []string{"COMMIT"}, state); err != nil {
		t.Fatal(err)
	}
	if state != query.StateTxnClosed {
		t.Errorf("state after recovery commit = %v", state)
	}
}

func TestServer_StreamRequiresHello(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	err := c.LogEntries(context.Background(), 0, func(uint64, []byte) error { return nil })
	if !errors.Is(err, client.ErrNoHello) {
		t.Fatalf("err = %v, want ErrNoHello", err)
	}
}

func TestServer_HelloReportsIdentity(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	info, err := c.Hello("replica-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.DatabaseID != n.log.DatabaseID() {
		t.Errorf("database id = %q, want %q", info.DatabaseID, n.log.DatabaseID())
	}
	if gen := n.log.Generation(); info.GenerationID != gen.ID || info.GenerationStart != gen.StartOffset {
		t.Errorf("generation = %q/%d, want %q/%d", info.GenerationID, info.GenerationStart, gen.ID, gen.StartOffset)
	}
	if n.srv.RegisteredReplicas() != 1 {
		t.Errorf("registered replicas = %d", n.srv.RegisteredReplicas())
	}
}

func TestServer_LiveStreamTailsAppends(t *testing.T) {
	n := startTestNode(t)
	writer := n.dial(t)
	reader := n.dial(t)

	ctx := context.Background()
	if _, _, err := writer.Exec(ctx, []string{"CREATE TABLE t (a INTEGER)"}, query.StateStart); err != nil {
		t.Fatal(err)
	}

	if _, err := reader.Hello("replica-1"); err != nil {
		t.Fatal(err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	type received struct {
		offset uint64
		stmts  []string
	}
	got := make(chan received, 16)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- reader.LogEntries(streamCtx, 0, func(offset uint64, frame []byte) error {
			stmts, err := store.DecodeFrame(frame)
			if err != nil {
				return err
			}
			got <- received{offset, stmts}
			return reader.Ack(offset)
		})
	}()

	// First frame exists already; the second arrives while the stream
	// is waiting at the head.
	first := <-got
	if first.offset != 0 {
		t.Fatalf("first offset = %d", first.offset)
	}

	if _, _, err := writer.Exec(ctx, []string{"INSERT INTO t VALUES (9)"}, query.StateStart); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if r.offset != 1 {
			t.Fatalf("tailed offset = %d, want 1", r.offset)
		}
		if len(r.stmts) != 1 || r.stmts[0] != "INSERT INTO t VALUES (9)" {
			t.Errorf("tailed stmts = %v", r.stmts)
		}
	case <-streamCtx.Done():
		t.Fatal("timed out waiting for tailed frame")
	}

	cancel()
	if err := <-streamDone; !errors.Is(err, context.Canceled) {
		t.Errorf("stream ended with %v", err)
	}
}

func TestServer_CompactedOffsetNeedsSnapshot(t *testing.T) {
	n := startTestNode(t)

	for i := 0; i < 4; i++ {
		if _, _, err := n.log.Append([][]byte{store.EncodeFrame([]string{"SELECT 1"})}); err != nil {
			t.Fatal(err)
		}
	}
	if err := n.log.Compact(); err != nil {
		t.Fatal(err)
	}

	c := n.dial(t)
	if _, err := c.Hello("replica-1"); err != nil {
		t.Fatal(err)
	}
	err := c.LogEntries(context.Background(), 0, func(uint64, []byte) error { return nil })
	if !errors.Is(err, client.ErrNeedSnapshot) {
		t.Fatalf("err = %v, want ErrNeedSnapshot", err)
	}
}

func TestServer_SnapshotStreamAndResume(t *testing.T) {
	n := startTestNode(t)

	for i := 0; i < 4; i++ {
		if _, _, err := n.log.Append([][]byte{store.EncodeFrame([]string{"SELECT 1"})}); err != nil {
			t.Fatal(err)
		}
	}
	if err := n.log.Compact(); err != nil {
		t.Fatal(err)
	}
	// One live frame past the snapshot boundary.
	if _, _, err := n.log.Append([][]byte{store.EncodeFrame([]string{"SELECT 2"})}); err != nil {
		t.Fatal(err)
	}

	c := n.dial(t)
	if _, err := c.Hello("replica-1"); err != nil {
		t.Fatal(err)
	}

	var offsets []uint64
	resume, err := c.Snapshot(context.Background(), 0, func(offset uint64, frame []byte) error {
		offsets = append(offsets, offset)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if resume != 4 {
		t.Errorf("resume offset = %d, want 4", resume)
	}
	if len(offsets) != 4 {
		t.Fatalf("snapshot frames = %d, want 4", len(offsets))
	}
	for i, o := range offsets {
		if o != uint64(i) {
			t.Errorf("snapshot offset[%d] = %d", i, o)
		}
	}

	// The same connection continues onto the live stream.
	streamCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gotLive := false
	err = c.LogEntries(streamCtx, resume, func(offset uint64, frame []byte) error {
		if offset != 4 {
			t.Errorf("live offset = %d, want 4", offset)
		}
		gotLive = true
		cancel()
		return nil
	})
	if !gotLive {
		t.Fatalf("no live frame after snapshot, stream err = %v", err)
	}
}

func TestServer_SnapshotUnavailableBeyondBoundary(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	if _, err := c.Hello("replica-1"); err != nil {
		t.Fatal(err)
	}
	// No compaction has happened: nothing covers any offset.
	_, err := c.Snapshot(context.Background(), 0, func(uint64, []byte) error { return nil })
	if !errors.Is(err, client.ErrSnapshotUnavailable) {
		t.Fatalf("err = %v, want ErrSnapshotUnavailable", err)
	}
}

func TestServer_ReplicaStreamHoldsOffIdle(t *testing.T) {
	n := startTestNode(t)
	c := n.dial(t)

	if _, err := c.Hello("replica-1"); err != nil {
		t.Fatal(err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.LogEntries(streamCtx, 0, func(uint64, []byte) error { return nil })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for n.tracker.ConnectedReplicas() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never acquired the idle guard")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The server holds the guard until the connection goes away.
	cancel()
	<-streamDone
	c.Close()
	for n.tracker.ConnectedReplicas() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle guard never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeRawPacket(t *testing.T, conn *tls.Conn, op uint8, payload []byte) {
	t.Helper()
	header := make([]byte, protocol.ProtoHeaderSize)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := conn.Write(append(header, payload...)); err != nil {
		t.Fatal(err)
	}
}

func readRawPacket(t *testing.T, conn *tls.Conn) (byte, []byte) {
	t.Helper()
	header := make([]byte, protocol.ProtoHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatal(err)
	}
	body := make([]byte, binary.BigEndian.Uint32(header[1:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatal(err)
	}
	return header[0], body
}

func TestServer_GuardReleasedOnAbruptDisconnect(t *testing.T) {
	n := startTestNode(t)

	// Raw connection, so the stream can be severed without a Quit.
	tlsConf, err := client.LoadTLS(n.tlsConf)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := tls.Dial("tcp", n.srv.Addr(), tlsConf)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hello := binary.BigEndian.AppendUint32(nil, uint32(len("replica-1")))
	hello = append(hello, "replica-1"...)
	writeRawPacket(t, conn, protocol.OpCodeReplHello, hello)
	if status, _ := readRawPacket(t, conn); status != protocol.ResStatusOK {
		t.Fatalf("hello status = 0x%02x", status)
	}

	writeRawPacket(t, conn, protocol.OpCodeLogEntries, binary.BigEndian.AppendUint64(nil, 0))

	deadline := time.Now().Add(5 * time.Second)
	for n.tracker.ConnectedReplicas() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream never acquired the idle guard")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Sever the connection mid-stream.
	conn.Close()
	for n.tracker.ConnectedReplicas() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("guard not released after abrupt disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_SnapshotSessionReleasesGuard(t *testing.T) {
	n := startTestNode(t)

	for i := 0; i < 4; i++ {
		if _, _, err := n.log.Append([][]byte{store.EncodeFrame([]string{"SELECT 1"})}); err != nil {
			t.Fatal(err)
		}
	}
	if err := n.log.Compact(); err != nil {
		t.Fatal(err)
	}

	c := n.dial(t)
	if _, err := c.Hello("replica-1"); err != nil {
		t.Fatal(err)
	}

	var heldDuring int64
	if _, err := c.Snapshot(context.Background(), 0, func(uint64, []byte) error {
		heldDuring = n.tracker.ConnectedReplicas()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if heldDuring != 1 {
		t.Errorf("guard count during snapshot = %d, want 1", heldDuring)
	}

	deadline := time.Now().Add(5 * time.Second)
	for n.tracker.ConnectedReplicas() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("guard not released after snapshot completion")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProtocolLimits(t *testing.T) {
	if protocol.MaxFrameSize > protocol.MaxCommandSize {
		t.Fatal("a maximum-size frame must fit in one packet")
	}
}
