// Package replica maintains a node's subscription to the primary's
// replication log: handshake, live frame tailing, snapshot fallback
// when the bookmark has been compacted away, and hard reset when the
// primary's generation or database identity no longer matches.
package replica

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"whimbrel/client"
	"whimbrel/store"
)

const reconnectBackoff = 3 * time.Second

var (
	bucketBookmark = []byte("bookmark")

	keyNextOffset   = []byte("next_offset")
	keyGenerationID = []byte("generation_id")
	keyDatabaseID   = []byte("database_id")
)

// errSnapshotNeeded routes the sync loop from live tailing to the
// snapshot fallback.
var errSnapshotNeeded = errors.New("snapshot needed")

// Replica drives one node's copy of the database from the upstream log.
type Replica struct {
	id          string
	primaryAddr string
	tlsConf     *tls.Config
	db          *store.DB
	meta        *bolt.DB
	logger      *slog.Logger

	next       atomic.Uint64 // next offset to request
	hardResets atomic.Uint64
}

// Open loads the replica bookmark from dir/replica.db. The store is
// owned by the caller; the replica only applies frames to it.
func Open(dir, id, primaryAddr string, tlsConf *tls.Config, db *store.DB, logger *slog.Logger) (*Replica, error) {
	meta, err := bolt.Open(filepath.Join(dir, "replica.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open replica bookmark: %w", err)
	}

	r := &Replica{
		id:          id,
		primaryAddr: primaryAddr,
		tlsConf:     tlsConf,
		db:          db,
		meta:        meta,
		logger:      logger.With("replica_id", id),
	}

	err = meta.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBookmark)
		if err != nil {
			return err
		}
		if v := b.Get(keyNextOffset); len(v) == 8 {
			r.next.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		meta.Close()
		return nil, err
	}
	return r, nil
}

func (r *Replica) Close() error {
	return r.meta.Close()
}

// NextOffset is the offset of the next frame the replica will request.
func (r *Replica) NextOffset() uint64 {
	return r.next.Load()
}

// HardResets counts full wipe-and-resync cycles since startup.
func (r *Replica) HardResets() uint64 {
	return r.hardResets.Load()
}

// Run keeps the replica synced until the context is cancelled,
// reconnecting with a fixed backoff on any failure.
func (r *Replica) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := r.connectAndSync(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errSnapshotNeeded) {
			if err := r.snapshotSync(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Snapshot sync failed", "err", err)
			} else {
				// Straight back to live tailing, no backoff.
				continue
			}
		} else if err != nil {
			r.logger.Error("Replication sync failed", "primary", r.primaryAddr, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// connectAndSync dials the primary and tails the live log from the
// bookmark. It only returns on failure: a healthy stream never ends.
func (r *Replica) connectAndSync(ctx context.Context) error {
	c, err := client.Dial(r.primaryAddr, r.tlsConf)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := r.handshake(c); err != nil {
		return err
	}

	next := r.next.Load()
	r.logger.Info("Tailing replication log", "primary", r.primaryAddr, "next_offset", next)

	err = c.LogEntries(ctx, next, func(offset uint64, frame []byte) error {
		if err := r.apply(ctx, offset, frame); err != nil {
			return err
		}
		return c.Ack(offset)
	})
	if errors.Is(err, client.ErrNeedSnapshot) {
		r.logger.Info("Bookmark compacted away, falling back to snapshot", "next_offset", r.next.Load())
		return errSnapshotNeeded
	}
	return err
}

// snapshotSync replays the newest snapshot artifact on a fresh
// connection, then continues tailing the live log on the same
// connection from the resume offset.
func (r *Replica) snapshotSync(ctx context.Context) error {
	c, err := client.Dial(r.primaryAddr, r.tlsConf)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := r.handshake(c); err != nil {
		return err
	}

	resume, err := c.Snapshot(ctx, r.next.Load(), func(offset uint64, frame []byte) error {
		return r.apply(ctx, offset, frame)
	})
	if err != nil {
		if errors.Is(err, client.ErrSnapshotUnavailable) {
			// Nothing upstream covers our position. The local copy is
			// unreconcilable.
			if err := r.hardReset("", ""); err != nil {
				return err
			}
		}
		return err
	}

	if resume > r.next.Load() {
		if err := r.saveNext(resume); err != nil {
			return err
		}
	}
	r.logger.Info("Snapshot applied", "resume_offset", resume)

	err = c.LogEntries(ctx, r.next.Load(), func(offset uint64, frame []byte) error {
		if err := r.apply(ctx, offset, frame); err != nil {
			return err
		}
		return c.Ack(offset)
	})
	if errors.Is(err, client.ErrNeedSnapshot) {
		return errSnapshotNeeded
	}
	return err
}

// handshake registers with the primary and verifies that the local
// copy still descends from the primary's history. A changed database
// or generation identity forces a hard reset before streaming.
func (r *Replica) handshake(c *client.Client) error {
	info, err := c.Hello(r.id)
	if err != nil {
		return err
	}

	var storedGen, storedDB string
	err = r.meta.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBookmark)
		storedGen = string(b.Get(keyGenerationID))
		storedDB = string(b.Get(keyDatabaseID))
		return nil
	})
	if err != nil {
		return err
	}

	if storedDB != "" && (storedDB != info.DatabaseID || storedGen != info.GenerationID) {
		r.logger.Warn("Primary identity changed",
			"stored_generation", storedGen, "primary_generation", info.GenerationID,
			"stored_database", storedDB, "primary_database", info.DatabaseID)
		if err := r.hardReset(info.GenerationID, info.DatabaseID); err != nil {
			return err
		}
	} else if storedDB == "" {
		if err := r.saveIdentity(info.GenerationID, info.DatabaseID); err != nil {
			return err
		}
	}
	return nil
}

// apply installs one frame and advances the bookmark. Duplicate
// deliveries below the bookmark are skipped.
func (r *Replica) apply(ctx context.Context, offset uint64, frame []byte) error {
	next := r.next.Load()
	if offset < next {
		return nil
	}
	if offset > next {
		return fmt.Errorf("frame gap: got offset %d, expected %d", offset, next)
	}
	if err := r.db.ApplyFrame(ctx, frame); err != nil {
		return fmt.Errorf("apply frame %d: %w", offset, err)
	}
	return r.saveNext(offset + 1)
}

func (r *Replica) saveNext(next uint64) error {
	err := r.meta.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], next)
		return tx.Bucket(bucketBookmark).Put(keyNextOffset, v[:])
	})
	if err != nil {
		return err
	}
	r.next.Store(next)
	return nil
}

func (r *Replica) saveIdentity(genID, dbID string) error {
	return r.meta.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBookmark)
		if err := b.Put(keyGenerationID, []byte(genID)); err != nil {
			return err
		}
		return b.Put(keyDatabaseID, []byte(dbID))
	})
}

// hardReset wipes the local database and rewinds the bookmark to zero.
// Empty identity arguments clear the stored identity so the next
// handshake records it fresh.
func (r *Replica) hardReset(genID, dbID string) error {
	r.hardResets.Add(1)
	if err := r.db.HardReset(); err != nil {
		return err
	}
	if err := r.saveIdentity(genID, dbID); err != nil {
		return err
	}
	return r.saveNext(0)
}
