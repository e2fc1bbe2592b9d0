package mocks

import (
	"context"

	"orderly/custodian/internal/models"
	"orderly/custodian/internal/stores"

	"github.com/shopspring/decimal"
)

type MockDepositStore struct {
	Items map[string]*models.DepositRecord
}

func NewMockDepositStore() *MockDepositStore {
	return &MockDepositStore{Items: make(map[string]*models.DepositRecord)}
}

func (m *MockDepositStore) PutIfAbsent(ctx context.Context, rec *models.DepositRecord) error {
	if _, ok := m.Items[rec.TxHash]; !ok {
		cp := *rec
		m.Items[rec.TxHash] = &cp
	}
	return nil
}

func (m *MockDepositStore) Put(ctx context.Context, rec *models.DepositRecord) error {
	cp := *rec
	m.Items[rec.TxHash] = &cp
	return nil
}

func (m *MockDepositStore) Get(ctx context.Context, txHash string) (*models.DepositRecord, error) {
	if v, ok := m.Items[txHash]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, stores.ErrDepositNotFound
}

func (m *MockDepositStore) Update(ctx context.Context, txHash string, fn func(*models.DepositRecord) (bool, error)) error {
	v, ok := m.Items[txHash]
	if !ok {
		return stores.ErrDepositNotFound
	}
	cp := *v
	write, err := fn(&cp)
	if err != nil || !write {
		return err
	}
	m.Items[txHash] = &cp
	return nil
}

func (m *MockDepositStore) Scan(ctx context.Context, visit func(*models.DepositRecord) error) error {
	for _, v := range m.Items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cp := *v
		if err := visit(&cp); err != nil {
			return err
		}
	}
	return nil
}

type MockAccountStore struct {
	ByUser   map[string]*models.Account
	ByWallet map[string]*models.Account
}

func NewMockAccountStore() *MockAccountStore {
	return &MockAccountStore{
		ByUser:   make(map[string]*models.Account),
		ByWallet: make(map[string]*models.Account),
	}
}

func (m *MockAccountStore) Insert(ctx context.Context, a models.Account) error {
	cp := a
	m.ByUser[a.UserID] = &cp
	m.ByWallet[a.Wallet] = &cp
	return nil
}

func (m *MockAccountStore) Get(ctx context.Context, userID string) (*models.Account, error) {
	if v, ok := m.ByUser[userID]; ok {
		return v, nil
	}
	return nil, stores.ErrAccountNotFound
}

func (m *MockAccountStore) GetByWallet(ctx context.Context, wallet string) (*models.Account, error) {
	if v, ok := m.ByWallet[wallet]; ok {
		return v, nil
	}
	return nil, stores.ErrAccountNotFound
}

type MockLedger struct {
	Balances map[string]decimal.Decimal
	Applied  map[string]bool
	Credits  int
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		Balances: make(map[string]decimal.Decimal),
		Applied:  make(map[string]bool),
	}
}

func (m *MockLedger) Credit(ctx context.Context, userID string, txHash string, amount decimal.Decimal) (bool, error) {
	if m.Applied[txHash] {
		return false, nil
	}
	m.Applied[txHash] = true
	m.Credits++
	m.Balances[userID] = m.Balances[userID].Add(amount)
	return true, nil
}

func (m *MockLedger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return m.Balances[userID], nil
}
