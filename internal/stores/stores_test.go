package stores

import (
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "custodian.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
