// Package server implements the whimbrel TCP surface: statement
// execution for clients and the replication streaming service (hello,
// log entries, snapshot) for downstream replicas.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"whimbrel/idle"
	"whimbrel/protocol"
	"whimbrel/proxy"
	"whimbrel/query"
	"whimbrel/store"
	"whimbrel/wal"
)

type Server struct {
	addr   string
	db     proxy.Database
	log    *wal.Log // nil on replica nodes, which do not serve the log
	logger *slog.Logger

	tracker *idle.Tracker

	listener    net.Listener
	maxConns    int
	sem         chan struct{}
	wg          sync.WaitGroup
	totalConns  uint64
	activeConns int64

	tlsConfig        *tls.Config
	tlsCertFile      string
	tlsKeyFile       string
	tlsCAFile        string
	currentTLSConfig atomic.Value

	mu       sync.RWMutex
	replicas map[string]*replicaState // keyed by remote network identity
}

// replicaState is the registration record created by a successful Hello.
type replicaState struct {
	id            string
	appliedOffset atomic.Uint64
	connectedAt   time.Time
}

func NewServer(addr string, db proxy.Database, log *wal.Log, tracker *idle.Tracker, logger *slog.Logger, maxConns int, tlsCert, tlsKey, tlsCA string) (*Server, error) {
	if tlsCert == "" || tlsKey == "" || tlsCA == "" {
		return nil, fmt.Errorf("tls cert, key, and ca required")
	}

	s := &Server{
		addr:        addr,
		db:          db,
		log:         log,
		logger:      logger,
		tracker:     tracker,
		maxConns:    maxConns,
		sem:         make(chan struct{}, maxConns),
		tlsCertFile: tlsCert,
		tlsKeyFile:  tlsKey,
		tlsCAFile:   tlsCA,
		replicas:    make(map[string]*replicaState),
	}

	if err := s.ReloadTLS(); err != nil {
		return nil, err
	}

	s.tlsConfig = &tls.Config{
		GetConfigForClient: func(hi *tls.ClientHelloInfo) (*tls.Config, error) {
			return s.currentTLSConfig.Load().(*tls.Config), nil
		},
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.RequireAndVerifyClientCert,
	}

	return s, nil
}

func (s *Server) ReloadTLS() error {
	cert, err := tls.LoadX509KeyPair(s.tlsCertFile, s.tlsKeyFile)
	if err != nil {
		return err
	}
	caCert, err := os.ReadFile(s.tlsCAFile)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caCert)

	s.currentTLSConfig.Store(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	return nil
}

// Listen binds the listen socket. Run calls it if needed; tests call it
// first to learn the bound address.
func (s *Server) Listen() error {
	ln, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener
	s.logger.Info("Server listening", "addr", ln.Addr().String(), "serves_log", s.log != nil)

	go s.handleSignals(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			s.logger.Error("Accept error", "err", err)
			continue
		}

		atomic.AddUint64(&s.totalConns, 1)
		select {
		case s.sem <- struct{}{}:
			atomic.AddInt64(&s.activeConns, 1)
			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		default:
			s.writeBinaryResponse(conn, protocol.ResStatusServerBusy, []byte("Max connections"))
			conn.Close()
		}
	}
}

// Addr returns the bound listen address, once Run has started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) handleSignals(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			s.logger.Info("Reloading TLS...")
			if err := s.ReloadTLS(); err != nil {
				s.logger.Error("TLS reload failed", "err", err)
			}
		}
	}
}

type connState struct {
	session proxy.Session
	logger  *slog.Logger
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		s.unregisterReplica(conn.RemoteAddr().String())
		conn.Close()
		atomic.AddInt64(&s.activeConns, -1)
		s.wg.Done()
		<-s.sem
	}()

	state := &connState{
		session: s.db.NewSession(),
		logger:  s.logger.With("remote", conn.RemoteAddr().String()),
	}
	defer state.session.Rollback()

	r := bufio.NewReader(conn)
	header := make([]byte, protocol.ProtoHeaderSize)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(protocol.IdleTimeout))

		if _, err := io.ReadFull(r, header); err != nil {
			return
		}

		opCode := header[0]
		payloadLen := binary.BigEndian.Uint32(header[1:])
		if payloadLen > protocol.MaxCommandSize {
			s.writeBinaryResponse(conn, protocol.ResStatusEntityTooLarge, nil)
			return
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(protocol.DefaultWriteTimeout))
		s.tracker.Touch()

		if s.dispatchCommand(ctx, conn, r, opCode, payload, state) {
			return
		}
	}
}

// dispatchCommand returns true when the connection should close.
func (s *Server) dispatchCommand(ctx context.Context, conn net.Conn, r *bufio.Reader, opCode uint8, payload []byte, st *connState) bool {
	switch opCode {
	case protocol.OpCodePing:
		s.writeBinaryResponse(conn, protocol.ResStatusOK, []byte("PONG"))
	case protocol.OpCodeQuit:
		return true
	case protocol.OpCodeExec:
		s.handleExec(ctx, conn, payload, st)
	case protocol.OpCodeReplHello:
		s.handleHello(conn, payload, st)
	case protocol.OpCodeLogEntries:
		// Takes over the connection for the lifetime of the stream.
		s.handleLogEntries(ctx, conn, r, payload, st)
		return true
	case protocol.OpCodeSnapshot:
		s.handleSnapshot(ctx, conn, payload, st)
	default:
		s.writeBinaryResponse(conn, protocol.ResStatusErr, []byte("Unknown OpCode"))
	}
	return false
}

func (s *Server) writeBinaryResponse(w io.Writer, status byte, body []byte) error {
	header := make([]byte, protocol.ProtoHeaderSize)
	header[0] = status
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		_, err := w.Write(body)
		return err
	}
	return nil
}

// handleExec runs a statement batch on the connection's session.
// Payload: [TxState(1)][Count(4)] then per statement [Len(4)][SQL].
// Every response, success or failure, leads with the session's
// resulting [TxState(1)] so the caller never holds a stale state: a
// statement error inside an open transaction rolls the session back,
// and the caller must learn that to keep issuing batches.
func (s *Server) handleExec(ctx context.Context, conn net.Conn, payload []byte, st *connState) {
	if len(payload) < 5 {
		s.writeExecError(conn, protocol.ResStatusErr, st, "Malformed exec payload")
		return
	}
	claimed := query.TxState(payload[0])
	count := binary.BigEndian.Uint32(payload[1:5])
	cursor := 5

	var sqls []string
	for i := uint32(0); i < count; i++ {
		if cursor+4 > len(payload) {
			s.writeExecError(conn, protocol.ResStatusErr, st, "Malformed exec payload")
			return
		}
		n := int(binary.BigEndian.Uint32(payload[cursor : cursor+4]))
		cursor += 4
		if cursor+n > len(payload) {
			s.writeExecError(conn, protocol.ResStatusErr, st, "Malformed exec payload")
			return
		}
		sqls = append(sqls, string(payload[cursor:cursor+n]))
		cursor += n
	}

	if claimed != st.session.State() {
		st.logger.Warn("Exec state mismatch", "claimed", claimed, "actual", st.session.State())
		s.writeExecError(conn, protocol.ResStatusTxInvalid, st, "Transaction state mismatch")
		return
	}

	stmts, err := query.Classify(strings.Join(sqls, ";\n"))
	if err != nil {
		s.writeExecError(conn, protocol.ResStatusErr, st, err.Error())
		return
	}

	results, newState, err := st.session.Execute(ctx, stmts)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTxSequence) {
			s.writeExecError(conn, protocol.ResStatusTxInvalid, st, err.Error())
			return
		}
		s.writeExecError(conn, protocol.ResStatusErr, st, err.Error())
		return
	}

	body := []byte{byte(newState)}
	if len(results) > 0 {
		enc, err := json.Marshal(results)
		if err != nil {
			s.writeExecError(conn, protocol.ResStatusErr, st, err.Error())
			return
		}
		body = append(body, enc...)
	}
	s.writeBinaryResponse(conn, protocol.ResStatusOK, body)
}

// writeExecError sends an exec failure as [TxState(1)][message],
// reporting the session's state after any rollback.
func (s *Server) writeExecError(conn net.Conn, status byte, st *connState, msg string) {
	body := make([]byte, 0, 1+len(msg))
	body = append(body, byte(st.session.State()))
	body = append(body, msg...)
	s.writeBinaryResponse(conn, status, body)
}

// Stats accessors for metrics.
func (s *Server) ActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

func (s *Server) TotalConns() uint64 {
	return atomic.LoadUint64(&s.totalConns)
}

func (s *Server) RegisteredReplicas() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.replicas)
}

func (s *Server) CloseAll() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	if s.log != nil {
		s.log.Close()
	}
	s.db.Close()
}
