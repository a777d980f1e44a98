// Package client implements the mTLS wire client for the whimbrel
// protocol. It is used by replicas to consume the replication log and by
// the write proxy to forward statement batches to the primary.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"whimbrel/protocol"
	"whimbrel/query"
	"whimbrel/store"
)

// Typed errors mirroring the server's status codes.
var (
	// ErrNoHello means a stream was requested before the handshake.
	ErrNoHello = errors.New("not registered: hello required before streaming")
	// ErrNeedSnapshot means the requested offset was compacted away and
	// the caller must switch to a snapshot.
	ErrNeedSnapshot = errors.New("snapshot required: offset no longer in live log")
	// ErrSnapshotUnavailable means no snapshot covers the requested offset.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable for requested offset")
	// ErrTxInvalid means the batch produced an invalid transaction state.
	ErrTxInvalid = errors.New("invalid transaction sequencing")
	// ErrConnection wraps network-level failures.
	ErrConnection = errors.New("connection error")
)

// ServerError carries a generic server-side failure message.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

func mapStatusToError(status byte, body []byte) error {
	switch status {
	case protocol.ResStatusOK:
		return nil
	case protocol.ResStatusNoHello:
		return ErrNoHello
	case protocol.ResStatusNeedSnapshot:
		return ErrNeedSnapshot
	case protocol.ResStatusUnavailable:
		return ErrSnapshotUnavailable
	case protocol.ResStatusTxInvalid:
		return ErrTxInvalid
	case protocol.ResStatusServerBusy:
		return protocol.ErrBusy
	case protocol.ResStatusEntityTooLarge:
		return protocol.ErrCommandTooLarge
	case protocol.ResStatusErr:
		return &ServerError{Message: string(body)}
	default:
		return fmt.Errorf("unknown server status 0x%02x: %s", status, body)
	}
}

// TLSFiles holds the client certificate material for mutual TLS.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// LoadTLS builds a client TLS config from the certificate files.
func LoadTLS(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	caCert, err := os.ReadFile(files.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates in %s", files.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   "localhost",
	}, nil
}

// Client is a single connection to a whimbrel server. Request/response
// calls are serialized; the streaming calls take over the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to addr with the given TLS config.
func Dial(addr string, tlsConf *tls.Config) (*Client, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(&dialer, "tcp", addr, tlsConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return &Client{conn: conn, timeout: protocol.DefaultWriteTimeout}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.writePacket(protocol.OpCodeQuit, nil)
	return c.conn.Close()
}

func (c *Client) writePacket(op uint8, payload []byte) error {
	header := make([]byte, protocol.ProtoHeaderSize)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}
	return nil
}

// readPacket reads one packet. A zero deadline means block indefinitely,
// for live tailing.
func (c *Client) readPacket(deadline time.Time) (byte, []byte, error) {
	_ = c.conn.SetReadDeadline(deadline)
	header := make([]byte, protocol.ProtoHeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > protocol.MaxCommandSize {
		return 0, nil, protocol.ErrCommandTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return header[0], payload, nil
}

func (c *Client) roundTrip(op uint8, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writePacket(op, payload); err != nil {
		return nil, err
	}
	status, body, err := c.readPacket(time.Now().Add(protocol.DefaultReadTimeout))
	if err != nil {
		return nil, err
	}
	if err := mapStatusToError(status, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Ping checks liveness.
func (c *Client) Ping() error {
	_, err := c.roundTrip(protocol.OpCodePing, nil)
	return err
}

// Exec forwards a statement batch with its prior transaction state and
// returns the per-statement results plus the resulting state. The
// returned state is authoritative even on failure: a statement error
// rolls the server session back, and the caller must adopt the reported
// state or every later batch would be rejected as a state mismatch.
func (c *Client) Exec(ctx context.Context, stmts []string, state query.TxState) ([]store.StmtResult, query.TxState, error) {
	payload := make([]byte, 0, 64)
	payload = append(payload, byte(state))
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(stmts)))
	for _, s := range stmts {
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(s)))
		payload = append(payload, s...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writePacket(protocol.OpCodeExec, payload); err != nil {
		return nil, state, err
	}
	status, body, err := c.readPacket(time.Now().Add(protocol.DefaultReadTimeout))
	if err != nil {
		return nil, state, err
	}

	if status != protocol.ResStatusOK {
		newState := state
		msg := body
		// Exec failures carry the session's post-rollback state.
		if (status == protocol.ResStatusErr || status == protocol.ResStatusTxInvalid) && len(body) >= 1 {
			newState = query.TxState(body[0])
			msg = body[1:]
		}
		return nil, newState, mapStatusToError(status, msg)
	}

	if len(body) < 1 {
		return nil, state, fmt.Errorf("malformed exec response")
	}
	newState := query.TxState(body[0])
	var results []store.StmtResult
	if len(body) > 1 {
		if err := json.Unmarshal(body[1:], &results); err != nil {
			return nil, state, fmt.Errorf("decode exec results: %w", err)
		}
	}
	return results, newState, nil
}

// HelloInfo is the handshake response: the primary's generation and
// database identity.
type HelloInfo struct {
	GenerationID    string
	GenerationStart uint64
	DatabaseID      string
}

// Hello registers this client as a replica. Required before LogEntries
// or Snapshot.
func (c *Client) Hello(replicaID string) (HelloInfo, error) {
	payload := binary.BigEndian.AppendUint32(nil, uint32(len(replicaID)))
	payload = append(payload, replicaID...)

	body, err := c.roundTrip(protocol.OpCodeReplHello, payload)
	if err != nil {
		return HelloInfo{}, err
	}

	var info HelloInfo
	cursor := 0
	readStr := func() (string, bool) {
		if cursor+4 > len(body) {
			return "", false
		}
		n := int(binary.BigEndian.Uint32(body[cursor : cursor+4]))
		cursor += 4
		if cursor+n > len(body) {
			return "", false
		}
		s := string(body[cursor : cursor+n])
		cursor += n
		return s, true
	}

	genID, ok := readStr()
	if !ok {
		return HelloInfo{}, fmt.Errorf("malformed hello response")
	}
	if cursor+8 > len(body) {
		return HelloInfo{}, fmt.Errorf("malformed hello response")
	}
	info.GenerationID = genID
	info.GenerationStart = binary.BigEndian.Uint64(body[cursor : cursor+8])
	cursor += 8
	dbID, ok := readStr()
	if !ok {
		return HelloInfo{}, fmt.Errorf("malformed hello response")
	}
	info.DatabaseID = dbID
	return info, nil
}

// LogEntries opens the live frame stream from nextOffset and invokes fn
// for every frame, in offset order, until the context is cancelled or the
// stream fails. fn errors abort the stream. Never returns nil: a live
// stream only ends abnormally.
func (c *Client) LogEntries(ctx context.Context, nextOffset uint64, fn func(offset uint64, frame []byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := binary.BigEndian.AppendUint64(nil, nextOffset)
	if err := c.writePacket(protocol.OpCodeLogEntries, payload); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		op, body, err := c.readPacket(time.Time{})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch op {
		case protocol.OpCodeFrame:
			offset, frame, err := decodeFramePacket(body)
			if err != nil {
				return err
			}
			if err := fn(offset, frame); err != nil {
				return err
			}
		default:
			return mapStatusToError(op, body)
		}
	}
}

// Snapshot opens the finite snapshot stream from nextOffset. It returns
// the offset at which LogEntries should resume once the snapshot has been
// fully applied.
func (c *Client) Snapshot(ctx context.Context, nextOffset uint64, fn func(offset uint64, frame []byte) error) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := binary.BigEndian.AppendUint64(nil, nextOffset)
	if err := c.writePacket(protocol.OpCodeSnapshot, payload); err != nil {
		return 0, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		op, body, err := c.readPacket(time.Time{})
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, err
		}
		switch op {
		case protocol.OpCodeFrame:
			offset, frame, err := decodeFramePacket(body)
			if err != nil {
				return 0, err
			}
			if err := fn(offset, frame); err != nil {
				return 0, err
			}
		case protocol.OpCodeSnapshotDone:
			if len(body) != 8 {
				return 0, fmt.Errorf("malformed snapshot done packet")
			}
			return binary.BigEndian.Uint64(body), nil
		default:
			return 0, mapStatusToError(op, body)
		}
	}
}

// Ack reports apply progress upstream during a live stream. Safe to call
// from a goroutine other than the stream reader: writes hold no stream
// state.
func (c *Client) Ack(appliedOffset uint64) error {
	payload := binary.BigEndian.AppendUint64(nil, appliedOffset)
	header := make([]byte, protocol.ProtoHeaderSize)
	header[0] = protocol.OpCodeReplAck
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// decodeFramePacket parses [CRC(4)][Offset(8)][FrameBytes] and verifies
// the checksum.
func decodeFramePacket(body []byte) (uint64, []byte, error) {
	if len(body) < 12 {
		return 0, nil, fmt.Errorf("malformed frame packet")
	}
	storedCrc := binary.BigEndian.Uint32(body[:4])
	if crc := protocol.ChecksumFrame(body[4:]); crc != storedCrc {
		return 0, nil, protocol.ErrCrcMismatch
	}
	offset := binary.BigEndian.Uint64(body[4:12])
	return offset, body[12:], nil
}
