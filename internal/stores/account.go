package stores

import (
	"context"
	"encoding/json"
	"errors"

	"orderly/custodian/internal/models"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketByUser   = []byte("accounts_by_user")
	bucketByWallet = []byte("accounts_by_wallet")

	ErrAccountNotFound = errors.New("account not found")
)

type AccountStore interface {
	Insert(ctx context.Context, account models.Account) error
	Get(ctx context.Context, userID string) (*models.Account, error)
	GetByWallet(ctx context.Context, wallet string) (*models.Account, error)
}

type LocalAccountStore struct {
	db *bolt.DB
}

func NewLocalAccountStore(db *bolt.DB) (*LocalAccountStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketByUser); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketByWallet); e != nil {
			return e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &LocalAccountStore{db: db}, nil
}

func (a *LocalAccountStore) Insert(ctx context.Context, account models.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketByUser).Put([]byte(account.UserID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketByWallet).Put([]byte(account.Wallet), []byte(account.UserID))
	})
}

func (a *LocalAccountStore) Get(ctx context.Context, userID string) (*models.Account, error) {
	var acct models.Account
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketByUser).Get([]byte(userID))
		if v == nil {
			return ErrAccountNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (a *LocalAccountStore) GetByWallet(ctx context.Context, wallet string) (*models.Account, error) {
	var acct *models.Account
	err := a.db.View(func(tx *bolt.Tx) error {
		userID := tx.Bucket(bucketByWallet).Get([]byte(wallet))
		if userID == nil {
			return ErrAccountNotFound
		}
		v := tx.Bucket(bucketByUser).Get(userID)
		if v == nil {
			return ErrAccountNotFound
		}
		var a models.Account
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		acct = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}
