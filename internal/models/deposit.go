package models

import (
	"math/big"
	"time"
)

type DepositStatus string

const (
	// DepositPending: seen on chain, below the confirmation threshold.
	DepositPending DepositStatus = "PENDING"
	// DepositConfirmed: threshold reached, internal credit and venue mirror not both done.
	DepositConfirmed DepositStatus = "CONFIRMED"
	// DepositCredited: ledger credited and venue mirror acknowledged. Terminal.
	DepositCredited DepositStatus = "CREDITED"
	// DepositFailed: retries exhausted. Terminal unless an operator resets it.
	DepositFailed DepositStatus = "FAILED"
)

func (s DepositStatus) Terminal() bool {
	return s == DepositCredited || s == DepositFailed
}

// DepositRecord tracks one on-chain transfer through the settlement pipeline.
// TxHash is the global idempotency key: at most one record per hash.
type DepositRecord struct {
	TxHash           string        `json:"tx_hash"`
	UserID           string        `json:"user_id"`
	Amount           *big.Int      `json:"amount"`
	FromAddress      string        `json:"from_address"`
	ToAddress        string        `json:"to_address"`
	BlockNumber      uint64        `json:"block_number"`
	Confirmations    uint64        `json:"confirmations"`
	Status           DepositStatus `json:"status"`
	OrderlyConfirmed bool          `json:"orderly_confirmed"`
	RetryCount       int           `json:"retry_count"`
	Resets           int           `json:"resets"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (d *DepositRecord) Claimed() bool {
	return d.UserID != ""
}
