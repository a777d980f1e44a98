// Package store wraps the local SQLite engine. On the primary it executes
// statement batches, frames committed write units, and hands them to the
// replication log; on replicas it applies frames received from upstream.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"whimbrel/query"
)

var (
	// ErrInvalidTxSequence rejects batches that open a transaction on top
	// of an open one, or close one that is not open.
	ErrInvalidTxSequence = errors.New("invalid transaction sequencing")
)

// FrameSink receives the frame payload of each committed write unit. On
// the primary this is the replication log's append; replicas pass nil.
type FrameSink func(frame []byte) error

// DB owns the local SQLite database file.
type DB struct {
	db     *sql.DB
	path   string
	sink   FrameSink
	logger *slog.Logger

	startTime time.Time
}

// Open opens (or creates) the database at dir/local.db.
func Open(dir string, sink FrameSink, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "local.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &DB{
		db:        db,
		path:      path,
		sink:      sink,
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	d.logger.Info("Closing local database", "path", d.path)
	return d.db.Close()
}

// Remove deletes the database files on disk. The DB must be closed first.
// Used by the hard-reset path when a generation change makes the local
// copy unreconcilable.
func (d *DB) Remove() error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(d.path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// HardReset discards the local database and reopens it empty, in
// place. Used when a generation change makes the local copy
// unreconcilable with the upstream log. The caller must ensure no
// sessions are active.
func (d *DB) HardReset() error {
	d.logger.Warn("Hard reset: discarding local database", "path", d.path)
	if err := d.db.Close(); err != nil {
		return err
	}
	if err := d.Remove(); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", d.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("reopen database: %w", err)
	}
	d.db = db
	return nil
}

// StmtResult is the outcome of one statement.
type StmtResult struct {
	RowsAffected int64      `json:"rows_affected"`
	LastInsertID int64      `json:"last_insert_id"`
	Columns      []string   `json:"columns,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
}

// Session holds the per-connection interactive transaction state.
type Session struct {
	db      *DB
	tx      *sql.Tx
	state   query.TxState
	pending []string // write statements of the open unit, for framing
}

// NewSession starts a connection-scoped execution session.
func (d *DB) NewSession() *Session {
	return &Session{db: d, state: query.StateStart}
}

// State returns the session's current transaction state.
func (s *Session) State() query.TxState {
	return s.state
}

// Execute runs a classified batch against the session, honoring the
// transaction state machine. Committed write units are framed and passed
// to the sink before Execute returns success.
func (s *Session) Execute(ctx context.Context, stmts query.Statements) ([]StmtResult, query.TxState, error) {
	prior := s.state
	after := stmts.State(prior)
	if after == query.StateInvalid {
		return nil, s.state, ErrInvalidTxSequence
	}

	// A write batch with no explicit transaction control is an implicit
	// atomic unit.
	implicit := s.tx == nil && !hasTxnControl(stmts) && stmts.IsWrite()
	if implicit {
		if err := s.begin(ctx); err != nil {
			return nil, s.state, err
		}
	}

	results := make([]StmtResult, 0, len(stmts))
	for _, st := range stmts {
		res, err := s.executeOne(ctx, st)
		if err != nil {
			s.rollback()
			if implicit {
				s.state = prior
			}
			return nil, s.state, err
		}
		results = append(results, res)
	}

	if implicit {
		if err := s.commit(); err != nil {
			return nil, s.state, err
		}
		// The implicit unit is invisible to the state machine.
		s.state = after
	}
	return results, s.state, nil
}

func (s *Session) executeOne(ctx context.Context, st query.Stmt) (StmtResult, error) {
	switch st.Kind {
	case query.KindTxnBegin:
		return StmtResult{}, s.begin(ctx)
	case query.KindTxnEnd:
		if isRollback(st.SQL) {
			s.rollback()
			return StmtResult{}, nil
		}
		return StmtResult{}, s.commit()
	default:
		return s.runStatement(ctx, st)
	}
}

func (s *Session) runStatement(ctx context.Context, st query.Stmt) (StmtResult, error) {
	isRead := !query.Statements{st}.IsWrite()
	if isRead {
		return s.queryRows(ctx, st.SQL)
	}

	var res sql.Result
	var err error
	if s.tx != nil {
		res, err = s.tx.ExecContext(ctx, st.SQL)
	} else {
		// Single write outside any unit (reads-only batch classification
		// already routed writes through an implicit transaction, this is
		// the defensive path for direct callers).
		res, err = s.db.db.ExecContext(ctx, st.SQL)
	}
	if err != nil {
		return StmtResult{}, fmt.Errorf("execute %q: %w", st.SQL, err)
	}
	if s.tx != nil {
		s.pending = append(s.pending, st.SQL)
	} else if s.db.sink != nil {
		if err := s.db.sink(EncodeFrame([]string{st.SQL})); err != nil {
			return StmtResult{}, fmt.Errorf("log frame: %w", err)
		}
	}

	rows, _ := res.RowsAffected()
	last, _ := res.LastInsertId()
	return StmtResult{RowsAffected: rows, LastInsertID: last}, nil
}

func (s *Session) queryRows(ctx context.Context, sqlText string) (StmtResult, error) {
	var rows *sql.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.QueryContext(ctx, sqlText)
	} else {
		rows, err = s.db.db.QueryContext(ctx, sqlText)
	}
	if err != nil {
		return StmtResult{}, fmt.Errorf("query %q: %w", sqlText, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return StmtResult{}, err
	}
	out := StmtResult{Columns: cols}
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return StmtResult{}, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = v.String
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

func (s *Session) begin(ctx context.Context) error {
	if s.tx != nil {
		return ErrInvalidTxSequence
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	s.tx = tx
	s.pending = nil
	s.state = query.StateTxnOpened
	return nil
}

// commit closes the open unit. The frame is handed to the sink before the
// caller sees success, so an acknowledged write is always in the log.
func (s *Session) commit() error {
	if s.tx == nil {
		return ErrInvalidTxSequence
	}
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		s.pending = nil
		s.state = query.StateTxnClosed
		return err
	}
	pending := s.pending
	s.tx = nil
	s.pending = nil
	s.state = query.StateTxnClosed

	if len(pending) > 0 && s.db.sink != nil {
		if err := s.db.sink(EncodeFrame(pending)); err != nil {
			return fmt.Errorf("log frame: %w", err)
		}
	}
	return nil
}

func (s *Session) rollback() {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.pending = nil
	if s.state == query.StateTxnOpened {
		s.state = query.StateTxnClosed
	}
}

// Rollback aborts any open unit, for connection teardown.
func (s *Session) Rollback() {
	s.rollback()
}

// ApplyFrame executes a replicated frame's statements atomically against
// the local copy. Used by the replica apply loop; the sink is not invoked.
func (d *DB) ApplyFrame(ctx context.Context, frame []byte) error {
	stmts, err := DecodeFrame(frame)
	if err != nil {
		return err
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, sqlText := range stmts {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %q: %w", sqlText, err)
		}
	}
	return tx.Commit()
}

func hasTxnControl(stmts query.Statements) bool {
	for _, st := range stmts {
		if st.Kind != query.KindOther {
			return true
		}
	}
	return false
}

func isRollback(sqlText string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sqlText)), "ROLLBACK")
}
