package stores

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCursor = []byte("scan_cursor")
	cursorKey    = []byte("last_scanned_block")
)

// CursorStore persists the scanner's block cursor. The cursor only moves
// forward; ranges below it are never re-scanned.
type CursorStore interface {
	Get(ctx context.Context) (uint64, error)
	Put(ctx context.Context, block uint64) error
}

type LocalCursorStore struct {
	db *bolt.DB
}

func NewLocalCursorStore(db *bolt.DB) (*LocalCursorStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketCursor)
		return e
	}); err != nil {
		return nil, err
	}
	return &LocalCursorStore{db: db}, nil
}

// Get returns 0 when no cursor has been persisted yet.
func (c *LocalCursorStore) Get(ctx context.Context) (uint64, error) {
	var out uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCursor).Get(cursorKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("malformed cursor value, %d bytes", len(v))
		}
		out = binary.BigEndian.Uint64(v)
		return nil
	})
	return out, err
}

func (c *LocalCursorStore) Put(ctx context.Context, block uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, block)
		return tx.Bucket(bucketCursor).Put(cursorKey, buf)
	})
}
