package stores

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBalances  = []byte("ledger_balances")
	bucketAppliedTx = []byte("ledger_applied_tx")
)

// LedgerStore is the authoritative user balance store. Credits are keyed by tx
// hash and applied at most once: re-issuing a credit for an applied hash is a
// no-op, which makes the internal half of deposit settlement safely retriable.
type LedgerStore interface {
	Credit(ctx context.Context, userID string, txHash string, amount decimal.Decimal) (applied bool, err error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type LocalLedgerStore struct {
	db *bolt.DB
}

func NewLocalLedgerStore(db *bolt.DB) (*LocalLedgerStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketBalances); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketAppliedTx); e != nil {
			return e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &LocalLedgerStore{db: db}, nil
}

func (l *LocalLedgerStore) Credit(ctx context.Context, userID string, txHash string, amount decimal.Decimal) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("credit without an owning user")
	}

	applied := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		appliedB := tx.Bucket(bucketAppliedTx)
		if appliedB.Get([]byte(txHash)) != nil {
			return nil
		}

		balances := tx.Bucket(bucketBalances)
		balance := decimal.Zero
		if v := balances.Get([]byte(userID)); v != nil {
			parsed, err := decimal.NewFromString(string(v))
			if err != nil {
				return fmt.Errorf("malformed balance for %s: %w", userID, err)
			}
			balance = parsed
		}

		balance = balance.Add(amount)
		if err := balances.Put([]byte(userID), []byte(balance.String())); err != nil {
			return err
		}
		if err := appliedB.Put([]byte(txHash), []byte(userID)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (l *LocalLedgerStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance := decimal.Zero
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBalances).Get([]byte(userID))
		if v == nil {
			return nil
		}
		parsed, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("malformed balance for %s: %w", userID, err)
		}
		balance = parsed
		return nil
	})
	return balance, err
}
