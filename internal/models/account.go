package models

import (
	"time"

	"orderly/custodian/internal/utils/address"
)

// Account binds a platform user to a wallet and the venue account derived from it.
type Account struct {
	UserID    string    `json:"user_id"`
	Wallet    string    `json:"wallet"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewAccount(userID string, wallet string, accountID string) (*Account, error) {
	checksummed, err := address.Checksummed(wallet)
	if err != nil {
		return nil, err
	}

	return &Account{
		UserID:    userID,
		Wallet:    checksummed,
		AccountID: accountID,
		CreatedAt: time.Now(),
	}, nil
}
