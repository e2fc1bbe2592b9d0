package stores

import (
	"context"
	"encoding/json"
	"errors"

	"orderly/custodian/internal/models"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeposits = []byte("deposits")

	ErrDepositNotFound = errors.New("deposit not found")
)

type DepositStore interface {
	PutIfAbsent(ctx context.Context, rec *models.DepositRecord) error
	Put(ctx context.Context, rec *models.DepositRecord) error
	Get(ctx context.Context, txHash string) (*models.DepositRecord, error)
	Scan(ctx context.Context, visit func(*models.DepositRecord) error) error
	Update(ctx context.Context, txHash string, fn func(*models.DepositRecord) (bool, error)) error
}

type LocalDepositStore struct {
	db *bolt.DB
}

func NewLocalDepositStore(db *bolt.DB) (*LocalDepositStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketDeposits)
		return e
	}); err != nil {
		return nil, err
	}
	return &LocalDepositStore{db: db}, nil
}

// PutIfAbsent inserts keyed by tx hash; an existing record wins. This is the
// idempotency guard for re-scanned block ranges.
func (s *LocalDepositStore) PutIfAbsent(ctx context.Context, rec *models.DepositRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		if b.Get([]byte(rec.TxHash)) != nil {
			return nil
		}
		blob, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.TxHash), blob)
	})
}

func (s *LocalDepositStore) Put(ctx context.Context, rec *models.DepositRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeposits).Put([]byte(rec.TxHash), blob)
	})
}

func (s *LocalDepositStore) Get(ctx context.Context, txHash string) (*models.DepositRecord, error) {
	var out models.DepositRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeposits).Get([]byte(txHash))
		if v == nil {
			return ErrDepositNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Update re-reads the record and applies fn inside a single write transaction,
// so concurrent writers (settle loop, claim, operator reset) never clobber each
// other's fields. fn reports whether the mutated record should be persisted;
// returning false leaves the stored record untouched.
func (s *LocalDepositStore) Update(ctx context.Context, txHash string, fn func(*models.DepositRecord) (bool, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		v := b.Get([]byte(txHash))
		if v == nil {
			return ErrDepositNotFound
		}
		var rec models.DepositRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		write, err := fn(&rec)
		if err != nil || !write {
			return err
		}
		blob, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(txHash), blob)
	})
}

func (s *LocalDepositStore) Scan(ctx context.Context, visit func(*models.DepositRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeposits).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec models.DepositRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if err := visit(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}
