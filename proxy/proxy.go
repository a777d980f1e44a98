// Package proxy abstracts statement execution behind a small interface
// with exactly two implementations: local execution against the node's
// own database, and write forwarding from a replica to the primary.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"whimbrel/client"
	"whimbrel/query"
	"whimbrel/store"
)

// Database hands out execution sessions. A session is bound to one
// client connection and carries its transaction state.
type Database interface {
	NewSession() Session
	Close() error
}

// Session executes classified statement batches.
type Session interface {
	Execute(ctx context.Context, stmts query.Statements) ([]store.StmtResult, query.TxState, error)
	State() query.TxState
	Rollback()
}

// Local serves sessions straight from the node's own store. Used on
// the primary, where every write lands in the local log.
type Local struct {
	DB *store.DB
}

func NewLocal(db *store.DB) *Local {
	return &Local{DB: db}
}

func (l *Local) NewSession() Session {
	return l.DB.NewSession()
}

func (l *Local) Close() error {
	return l.DB.Close()
}

const (
	dialAttempts = 3
	dialBackoff  = 250 * time.Millisecond
)

// WriteProxy serves replica sessions: reads run against the locally
// replicated store, writes and transaction control forward to the
// primary. Forwarded work is never downgraded to local execution, that
// would fork the replica's state from the log.
type WriteProxy struct {
	local       *store.DB
	primaryAddr string
	tlsConf     *tls.Config
	logger      *slog.Logger
}

func NewWriteProxy(local *store.DB, primaryAddr string, tlsConf *tls.Config, logger *slog.Logger) *WriteProxy {
	return &WriteProxy{
		local:       local,
		primaryAddr: primaryAddr,
		tlsConf:     tlsConf,
		logger:      logger,
	}
}

func (p *WriteProxy) NewSession() Session {
	return &proxySession{
		proxy: p,
		local: p.local.NewSession(),
		state: query.StateStart,
	}
}

func (p *WriteProxy) Close() error {
	return p.local.Close()
}

// proxySession keeps one dedicated upstream connection so that an
// interactive transaction stays pinned to a single primary session.
type proxySession struct {
	proxy  *WriteProxy
	local  *store.Session
	remote *client.Client
	state  query.TxState
}

func (s *proxySession) State() query.TxState {
	return s.state
}

func (s *proxySession) Execute(ctx context.Context, stmts query.Statements) ([]store.StmtResult, query.TxState, error) {
	if s.mustForward(stmts) {
		return s.forward(ctx, stmts)
	}

	// Read-only, no transaction control: runs locally and cannot move
	// the session's transaction state. The local store session tracks
	// its own state independently of the forwarded one.
	results, _, err := s.local.Execute(ctx, stmts)
	if err != nil {
		return nil, s.state, err
	}
	return results, s.state, nil
}

// mustForward reports whether the batch has to run on the primary:
// anything while a remote transaction is open, any write, and any
// transaction control.
func (s *proxySession) mustForward(stmts query.Statements) bool {
	if s.state == query.StateTxnOpened {
		return true
	}
	if stmts.IsWrite() {
		return true
	}
	for _, st := range stmts {
		if st.Kind != query.KindOther {
			return true
		}
	}
	return false
}

func (s *proxySession) forward(ctx context.Context, stmts query.Statements) ([]store.StmtResult, query.TxState, error) {
	if err := s.ensureRemote(); err != nil {
		return nil, s.state, err
	}

	sqls := make([]string, len(stmts))
	for i, st := range stmts {
		sqls[i] = st.SQL
	}

	results, state, err := s.remote.Exec(ctx, sqls, s.state)
	if err != nil {
		if errors.Is(err, client.ErrConnection) {
			// The primary rolls the remote transaction back when the
			// connection drops, so the session restarts clean.
			s.dropRemote()
			s.state = query.StateStart
			return nil, s.state, fmt.Errorf("primary connection lost: %w", err)
		}
		// The primary reports its post-failure state; adopt it so the
		// session stays usable after a statement error rolls a remote
		// transaction back.
		s.state = state
		return nil, s.state, err
	}
	s.state = state
	return results, state, nil
}

// ensureRemote dials the primary with bounded retries. Retrying is
// safe here: nothing has been sent yet.
func (s *proxySession) ensureRemote() error {
	if s.remote != nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		c, err := client.Dial(s.proxy.primaryAddr, s.proxy.tlsConf)
		if err == nil {
			s.remote = c
			return nil
		}
		lastErr = err
		s.proxy.logger.Warn("Primary dial failed", "attempt", attempt, "err", err)
		time.Sleep(time.Duration(attempt) * dialBackoff)
	}
	return fmt.Errorf("forwarding unavailable after %d attempts: %w", dialAttempts, lastErr)
}

func (s *proxySession) dropRemote() {
	if s.remote != nil {
		s.remote.Close()
		s.remote = nil
	}
}

func (s *proxySession) Rollback() {
	if s.remote != nil {
		if s.state == query.StateTxnOpened {
			stmts, _ := query.Classify("ROLLBACK")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _, _ = s.remote.Exec(ctx, []string{stmts[0].SQL}, s.state)
			cancel()
		}
		s.dropRemote()
	}
	s.state = query.StateStart
	s.local.Rollback()
}
