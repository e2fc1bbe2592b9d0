package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"orderly/custodian/internal/models"
	"orderly/custodian/internal/secretbox"
	"orderly/custodian/internal/signer"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSigningKeys = []byte("signing_keys")

	ErrKeyNotFound = errors.New("signing key not found")
)

// SigningKeyStore persists venue signing keys. Private seeds are sealed with
// the process secretbox key; rotation appends a new key rather than mutating.
type SigningKeyStore interface {
	Put(ctx context.Context, key *models.SigningKey, seed []byte) error
	Active(ctx context.Context, accountID string, now time.Time) (*models.SigningKey, error)
	OpenSigner(ctx context.Context, accountID string, now time.Time) (*signer.RequestSigner, error)
}

type LocalSigningKeyStore struct {
	db  *bolt.DB
	box secretbox.Key
}

func NewLocalSigningKeyStore(db *bolt.DB, box secretbox.Key) (*LocalSigningKeyStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSigningKeys)
		return e
	}); err != nil {
		return nil, err
	}
	return &LocalSigningKeyStore{db: db, box: box}, nil
}

// keys sort by accountID then creation time, so the last match is the newest.
func keyID(accountID string, createdAt time.Time) []byte {
	buf := make([]byte, 0, len(accountID)+9)
	buf = append(buf, []byte(accountID)...)
	buf = append(buf, '|')
	buf = binary.BigEndian.AppendUint64(buf, uint64(createdAt.UnixNano()))
	return buf
}

func (s *LocalSigningKeyStore) Put(ctx context.Context, key *models.SigningKey, seed []byte) error {
	sealed, err := s.box.Seal(seed)
	if err != nil {
		return err
	}
	key.EncryptedPrivateKey = sealed

	blob, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSigningKeys).Put(keyID(key.AccountID, key.CreatedAt), blob)
	})
}

// Active returns the newest key for the account that has not expired. Expired
// keys are treated as absent.
func (s *LocalSigningKeyStore) Active(ctx context.Context, accountID string, now time.Time) (*models.SigningKey, error) {
	var found *models.SigningKey
	prefix := append([]byte(accountID), '|')

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSigningKeys).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var key models.SigningKey
			if err := json.Unmarshal(v, &key); err != nil {
				return err
			}
			if key.Expired(now) {
				continue
			}
			found = &key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrKeyNotFound
	}
	return found, nil
}

// OpenSigner unseals the active key into a ready request signer.
func (s *LocalSigningKeyStore) OpenSigner(ctx context.Context, accountID string, now time.Time) (*signer.RequestSigner, error) {
	key, err := s.Active(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	seed, err := s.box.Open(key.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	return signer.FromSeed(accountID, seed, key.Scope, key.ExpiresAt)
}
