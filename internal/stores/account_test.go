package stores

import (
	"context"
	"errors"
	"testing"

	"orderly/custodian/internal/models"
)

func newTestAccountStore(t *testing.T) *LocalAccountStore {
	t.Helper()
	s, err := NewLocalAccountStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewLocalAccountStore error: %v", err)
	}
	return s
}

func TestAccountStore_InsertAndGet(t *testing.T) {
	store := newTestAccountStore(t)
	ctx := context.Background()

	acct := models.Account{
		UserID:    "alice",
		Wallet:    "0x1111111111111111111111111111111111111111",
		AccountID: "0xacc",
	}
	if err := store.Insert(ctx, acct); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	got, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.AccountID != "0xacc" || got.Wallet != acct.Wallet {
		t.Fatalf("Get mismatch: %+v", got)
	}
}

func TestAccountStore_GetByWallet(t *testing.T) {
	store := newTestAccountStore(t)
	ctx := context.Background()

	acct := models.Account{
		UserID:    "alice",
		Wallet:    "0x1111111111111111111111111111111111111111",
		AccountID: "0xacc",
	}
	if err := store.Insert(ctx, acct); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	got, err := store.GetByWallet(ctx, acct.Wallet)
	if err != nil {
		t.Fatalf("GetByWallet error: %v", err)
	}
	if got.UserID != "alice" {
		t.Fatalf("GetByWallet = %+v", got)
	}
}

func TestAccountStore_NotFound(t *testing.T) {
	store := newTestAccountStore(t)

	if _, err := store.Get(context.Background(), "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.GetByWallet(context.Background(), "0x2222222222222222222222222222222222222222"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
