package provider

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"collabpad/crdt"
)

var outboxBucket = []byte("outbox")

// opCache persists not-yet-sent local ops so a process restart does not lose
// edits made while offline. Keys are big-endian sequence numbers, so bucket
// iteration preserves op order.
type opCache struct {
	db *bolt.DB
}

type cachedOp struct {
	seq uint64
	op  crdt.Op
}

func openCache(path string) (*opCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open op cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init op cache: %w", err)
	}
	return &opCache{db: db}, nil
}

func (c *opCache) Append(op crdt.Op) (uint64, error) {
	data, err := crdt.EncodeOp(op)
	if err != nil {
		return 0, err
	}
	var seq uint64
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		seq, _ = b.NextSequence()
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("cache op: %w", err)
	}
	return seq, nil
}

func (c *opCache) Remove(seq uint64) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("uncache op: %w", err)
	}
	return nil
}

func (c *opCache) Load() ([]cachedOp, error) {
	var out []cachedOp
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			op, err := crdt.DecodeOp(v)
			if err != nil {
				return err
			}
			out = append(out, cachedOp{seq: binary.BigEndian.Uint64(k), op: op})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load op cache: %w", err)
	}
	return out, nil
}

func (c *opCache) Close() error {
	return c.db.Close()
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
