// Package query classifies SQL statement batches by their transaction
// boundaries. The executor uses the resulting state to decide whether a
// batch must be framed as one atomic unit in the replication log.
package query

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedStmt is returned for transaction-control statements the
	// classifier does not model (SAVEPOINT, RELEASE, SET TRANSACTION).
	// Treating them as plain statements could silently break atomic framing,
	// so they are rejected outright.
	ErrUnsupportedStmt = errors.New("unsupported transaction-control statement")

	// ErrUnterminated is returned when a string literal, quoted identifier
	// or block comment runs past the end of the input.
	ErrUnterminated = errors.New("unterminated token in statement batch")
)

// TxState tracks the transaction state of a connection across batches.
type TxState uint8

const (
	// StateStart is the initial state, before any statement has run.
	StateStart TxState = iota
	// StateTxnOpened means a transaction is open.
	StateTxnOpened
	// StateTxnClosed means the last transaction was committed or rolled back.
	StateTxnClosed
	// StateInvalid is absorbing: the batch sequence cannot be executed.
	StateInvalid
)

func (s TxState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateTxnOpened:
		return "txn_opened"
	case StateTxnClosed:
		return "txn_closed"
	default:
		return "invalid"
	}
}

// StmtKind is the classification of a single statement.
type StmtKind uint8

const (
	KindOther StmtKind = iota
	KindTxnBegin
	KindTxnEnd
)

// Stmt is one parsed statement with its classification.
type Stmt struct {
	SQL  string
	Kind StmtKind
}

// Statements is a classified batch.
type Statements []Stmt

// Classify splits a batch of SQL text into statements and tags each one.
func Classify(sql string) (Statements, error) {
	parts, err := split(sql)
	if err != nil {
		return nil, err
	}
	out := make(Statements, 0, len(parts))
	for _, p := range parts {
		kind, err := kindOf(p)
		if err != nil {
			return nil, err
		}
		out = append(out, Stmt{SQL: p, Kind: kind})
	}
	return out, nil
}

// State folds the batch over a starting state, left to right.
// Opening a transaction inside an open one, or closing one that is not
// open, yields StateInvalid; StateInvalid absorbs everything after it.
func (stmts Statements) State(from TxState) TxState {
	state := from
	for _, st := range stmts {
		switch {
		case state == StateInvalid:
			// absorbing
		case st.Kind == KindOther:
			// unchanged
		case st.Kind == KindTxnBegin:
			if state == StateTxnOpened {
				state = StateInvalid
			} else {
				state = StateTxnOpened
			}
		case st.Kind == KindTxnEnd:
			if state == StateTxnClosed {
				state = StateInvalid
			} else {
				state = StateTxnClosed
			}
		}
	}
	return state
}

// IsWrite reports whether any statement in the batch can modify the
// database. Read-only batches may execute locally on a replica.
func (stmts Statements) IsWrite() bool {
	for _, st := range stmts {
		if st.Kind != KindOther {
			return true
		}
		switch firstKeyword(st.SQL) {
		case "SELECT", "EXPLAIN", "PRAGMA":
		default:
			return true
		}
	}
	return false
}

func kindOf(stmt string) (StmtKind, error) {
	switch firstKeyword(stmt) {
	case "BEGIN", "START":
		return KindTxnBegin, nil
	case "COMMIT", "END", "ROLLBACK":
		return KindTxnEnd, nil
	case "SAVEPOINT", "RELEASE":
		return KindOther, fmt.Errorf("%w: %s", ErrUnsupportedStmt, firstKeyword(stmt))
	case "SET":
		if secondKeyword(stmt) == "TRANSACTION" {
			return KindOther, fmt.Errorf("%w: SET TRANSACTION", ErrUnsupportedStmt)
		}
		return KindOther, nil
	default:
		return KindOther, nil
	}
}

func firstKeyword(stmt string) string {
	return nthKeyword(stmt, 0)
}

func secondKeyword(stmt string) string {
	return nthKeyword(stmt, 1)
}

func nthKeyword(stmt string, n int) string {
	fields := strings.Fields(stmt)
	if n >= len(fields) {
		return ""
	}
	return strings.ToUpper(strings.TrimRight(fields[n], ";"))
}

// split cuts a batch on top-level semicolons, skipping string literals,
// quoted identifiers and comments. Empty statements are dropped.
func split(sql string) ([]string, error) {
	var parts []string
	var start int
	i := 0
	n := len(sql)

	flush := func(end int) {
		s := strings.TrimSpace(sql[start:end])
		if s != "" {
			parts = append(parts, s)
		}
	}

	for i < n {
		c := sql[i]
		switch {
		case c == ';':
			flush(i)
			i++
			start = i
		case c == '\'' || c == '"' || c == '`':
			end, err := scanQuoted(sql, i, c)
			if err != nil {
				return nil, err
			}
			i = end
		case c == '[':
			// Bracket-quoted identifier (SQLite compatibility).
			j := strings.IndexByte(sql[i:], ']')
			if j < 0 {
				return nil, ErrUnterminated
			}
			i += j + 1
		case c == '-' && i+1 < n && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				i = n
			} else {
				i += j + 1
			}
		case c == '/' && i+1 < n && sql[i+1] == '*':
			j := strings.Index(sql[i+2:], "*/")
			if j < 0 {
				return nil, ErrUnterminated
			}
			i += j + 4
		default:
			i++
		}
	}
	flush(n)
	return parts, nil
}

// scanQuoted returns the index just past a quoted token starting at i.
// Doubled quote characters escape themselves.
func scanQuoted(sql string, i int, quote byte) (int, error) {
	i++
	n := len(sql)
	for i < n {
		if sql[i] == quote {
			if i+1 < n && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, ErrUnterminated
}
