package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"whimbrel/protocol"
	"whimbrel/wal"
)

// streamPacket is one unit queued between the log reader and the
// connection writer of a replication stream.
type streamPacket struct {
	op   byte
	body []byte
}

func (s *Server) registerReplica(remote, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[remote] = &replicaState{id: id, connectedAt: time.Now()}
}

func (s *Server) unregisterReplica(remote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, remote)
}

func (s *Server) replicaFor(conn net.Conn) *replicaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replicas[conn.RemoteAddr().String()]
}

// handleHello registers the connection as a replica and returns the
// primary's generation and database identity. Required before any
// stream request on this connection.
func (s *Server) handleHello(conn net.Conn, payload []byte, st *connState) {
	if s.log == nil {
		s.writeBinaryResponse(conn, protocol.ResStatusUnavailable, []byte("Node does not serve the replication log"))
		return
	}
	if len(payload) < 4 {
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("Malformed hello payload"))
		return
	}
	n := int(binary.BigEndian.Uint32(payload[:4]))
	if 4+n != len(payload) || n == 0 {
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("Malformed hello payload"))
		return
	}
	replicaID := string(payload[4 : 4+n])

	s.registerReplica(conn.RemoteAddr().String(), replicaID)
	st.logger.Info("Replica registered", "replica_id", replicaID)

	gen := s.log.Generation()
	dbID := s.log.DatabaseID()
	body := binary.BigEndian.AppendUint32(nil, uint32(len(gen.ID)))
	body = append(body, gen.ID...)
	body = binary.BigEndian.AppendUint64(body, gen.StartOffset)
	body = binary.BigEndian.AppendUint32(body, uint32(len(dbID)))
	body = append(body, dbID...)
	s.writeBinaryResponse(conn, protocol.ResStatusOK, body)
}

// handleLogEntries serves the live frame stream. It holds the
// connection until the stream ends: the caller closes the connection
// afterwards. A producer goroutine tails the log into a bounded
// channel, the connection writer drains it under a per-write deadline,
// and a third goroutine consumes replica acks from the same connection.
func (s *Server) handleLogEntries(ctx context.Context, conn net.Conn, r *bufio.Reader, payload []byte, st *connState) {
	rep := s.replicaFor(conn)
	if rep == nil {
		s.writeBinaryResponse(conn, protocol.ResStatusNoHello, []byte("Hello required before streaming"))
		return
	}
	if s.log == nil {
		s.writeBinaryResponse(conn, protocol.ResStatusUnavailable, []byte("Node does not serve the replication log"))
		return
	}
	if len(payload) != 8 {
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("Malformed log entries payload"))
		return
	}
	next := binary.BigEndian.Uint64(payload)

	guard := s.tracker.Acquire()
	defer guard.Release()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan streamPacket, protocol.StreamChannelDepth)
	go s.produceFrames(streamCtx, next, out)
	go s.consumeAcks(streamCtx, cancel, conn, r, rep)

	st.logger.Info("Log stream opened", "replica_id", rep.id, "next_offset", next)
	for {
		select {
		case <-streamCtx.Done():
			return
		case pkt, ok := <-out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(protocol.ReplicaWriteTimeout))
			if err := s.writeBinaryResponse(conn, pkt.op, pkt.body); err != nil {
				st.logger.Warn("Log stream write failed", "replica_id", rep.id, "err", err)
				return
			}
		}
	}
}

// produceFrames reads the log from next onward into out, blocking on
// WaitAppended at the head. It ends the stream with NeedSnapshot when
// the requested region has been compacted away.
func (s *Server) produceFrames(ctx context.Context, next uint64, out chan<- streamPacket) {
	defer close(out)
	send := func(pkt streamPacket) bool {
		select {
		case out <- pkt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	cur := next
	for {
		frame, err := s.log.Frame(cur)
		switch {
		case err == nil:
			if !send(streamPacket{protocol.OpCodeFrame, framePacketBody(cur, frame)}) {
				return
			}
			cur++
		case errors.Is(err, wal.ErrAhead):
			if err := s.log.WaitAppended(ctx, cur); err != nil {
				return
			}
		case errors.Is(err, wal.ErrCompacted):
			send(streamPacket{protocol.ResStatusNeedSnapshot, nil})
			return
		default:
			send(streamPacket{protocol.ResStatusErr, []byte(err.Error())})
			return
		}
	}
}

// consumeAcks reads progress reports from the replica side of a live
// stream. Any read failure, or a Quit, tears the stream down.
func (s *Server) consumeAcks(ctx context.Context, cancel context.CancelFunc, conn net.Conn, r *bufio.Reader, rep *replicaState) {
	defer cancel()
	header := make([]byte, protocol.ProtoHeaderSize)
	for {
		conn.SetReadDeadline(time.Time{})
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(header[1:])
		if n > protocol.MaxCommandSize {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		switch header[0] {
		case protocol.OpCodeReplAck:
			if len(body) == 8 {
				rep.appliedOffset.Store(binary.BigEndian.Uint64(body))
				s.tracker.Touch()
			}
		case protocol.OpCodeQuit:
			return
		default:
			return
		}
	}
}

// handleSnapshot serves a finite, rate-limited frame stream from the
// newest snapshot artifact, ending with the offset at which the live
// stream should resume.
func (s *Server) handleSnapshot(ctx context.Context, conn net.Conn, payload []byte, st *connState) {
	rep := s.replicaFor(conn)
	if rep == nil {
		s.writeBinaryResponse(conn, protocol.ResStatusNoHello, []byte("Hello required before streaming"))
		return
	}
	if len(payload) != 8 {
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("Malformed snapshot payload"))
		return
	}
	next := binary.BigEndian.Uint64(payload)

	guard := s.tracker.Acquire()
	defer guard.Release()

	snap, err := s.log.Snapshot(next)
	if err != nil {
		if errors.Is(err, wal.ErrSnapshotUnavailable) {
			s.writeBinaryResponse(conn, protocol.ResStatusUnavailable, []byte(err.Error()))
		} else {
			s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte(err.Error()))
		}
		return
	}
	defer snap.Close()

	st.logger.Info("Snapshot stream opened", "replica_id", rep.id, "next_offset", next, "last_offset", snap.LastOffset())

	start := time.Now()
	var sent int64
	for {
		if ctx.Err() != nil {
			return
		}
		offset, frame, err := snap.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte(err.Error()))
			return
		}

		conn.SetWriteDeadline(time.Now().Add(protocol.ReplicaWriteTimeout))
		if err := s.writeBinaryResponse(conn, protocol.OpCodeFrame, framePacketBody(offset, frame)); err != nil {
			st.logger.Warn("Snapshot stream write failed", "replica_id", rep.id, "err", err)
			return
		}

		// Stay under the bandwidth cap: sleep off any time the bytes
		// sent so far should have taken but did not.
		sent += int64(len(frame))
		budget := time.Duration(float64(sent) / protocol.SnapshotRateLimit * float64(time.Second))
		if ahead := budget - time.Since(start); ahead > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(ahead):
			}
		}
	}

	done := binary.BigEndian.AppendUint64(nil, snap.LastOffset()+1)
	conn.SetWriteDeadline(time.Now().Add(protocol.ReplicaWriteTimeout))
	s.writeBinaryResponse(conn, protocol.OpCodeSnapshotDone, done)
	st.logger.Info("Snapshot stream complete", "replica_id", rep.id, "resume_offset", snap.LastOffset()+1)
}

// framePacketBody builds [CRC(4)][Offset(8)][FrameBytes] with the
// checksum taken over the offset and frame bytes.
func framePacketBody(offset uint64, frame []byte) []byte {
	body := make([]byte, 12, 12+len(frame))
	binary.BigEndian.PutUint64(body[4:12], offset)
	body = append(body, frame...)
	binary.BigEndian.PutUint32(body[:4], protocol.ChecksumFrame(body[4:]))
	return body
}
