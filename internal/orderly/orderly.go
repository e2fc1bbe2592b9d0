package orderly

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	apitypes "github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Typed-data messages recognized by the venue. Registration, key grants and PnL
// settlement are verified off chain against the null address; withdrawals are
// verified by the venue ledger contract.
const (
	domainName    = "Orderly"
	domainVersion = "1"

	// OffChainVerifyingContract signals an off-chain verified message.
	OffChainVerifyingContract = "0x0000000000000000000000000000000000000000"
)

type TypeProperty struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// Hex returns the 65-byte r||s||v signature as 0x-prefixed hex, the form the
// venue REST API expects.
func (s *Signature) Hex() string {
	return s.R + s.S[2:] + hex.EncodeToString([]byte{s.V})
}

// ComputeAccountID derives the venue account id for a wallet under a broker.
//
// Bit-for-bit: keccak256( leftPad32(addressBytes) || keccak256(utf8(brokerID)) ),
// i.e. the solidity keccak256(abi.encode(address, keccak256(abi.encodePacked(brokerId)))),
// rendered as 0x-prefixed lowercase hex of the 32-byte digest. Deterministic;
// distinct brokers yield distinct ids for the same wallet.
func ComputeAccountID(address common.Address, brokerID string) string {
	brokerHash := crypto.Keccak256([]byte(brokerID))

	buf := make([]byte, 64)
	copy(buf[12:32], address.Bytes())
	copy(buf[32:], brokerHash)

	return "0x" + hex.EncodeToString(crypto.Keccak256(buf))
}

// Registration proves custody of a wallet to open a venue account. The nonce
// comes from the venue, is single use and valid for two minutes.
type Registration struct {
	BrokerID          string
	ChainID           *big.Int
	Timestamp         uint64
	RegistrationNonce *big.Int
}

func (m Registration) primaryType() string { return "Registration" }

// Field order is part of the signed hash. Do not reorder.
func (m Registration) types() []TypeProperty {
	return []TypeProperty{
		{Name: "brokerId", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "timestamp", Type: "uint64"},
		{Name: "registrationNonce", Type: "uint256"},
	}
}

func (m Registration) message() map[string]interface{} {
	return map[string]interface{}{
		"brokerId":          m.BrokerID,
		"chainId":           m.ChainID,
		"timestamp":         new(big.Int).SetUint64(m.Timestamp),
		"registrationNonce": m.RegistrationNonce,
	}
}

// AddOrderlyKey announces an ed25519 request-signing key, bound to a scope and
// an expiry, for an already registered account.
type AddOrderlyKey struct {
	BrokerID   string
	ChainID    *big.Int
	OrderlyKey string // ed25519: prefixed public key
	Scope      string
	Timestamp  uint64
	Expiration uint64
}

func (m AddOrderlyKey) primaryType() string { return "AddOrderlyKey" }

func (m AddOrderlyKey) types() []TypeProperty {
	return []TypeProperty{
		{Name: "brokerId", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "orderlyKey", Type: "string"},
		{Name: "scope", Type: "string"},
		{Name: "timestamp", Type: "uint64"},
		{Name: "expiration", Type: "uint64"},
	}
}

func (m AddOrderlyKey) message() map[string]interface{} {
	return map[string]interface{}{
		"brokerId":   m.BrokerID,
		"chainId":    m.ChainID,
		"orderlyKey": m.OrderlyKey,
		"scope":      m.Scope,
		"timestamp":  new(big.Int).SetUint64(m.Timestamp),
		"expiration": new(big.Int).SetUint64(m.Expiration),
	}
}

// Withdraw authorizes moving funds off the venue. Unlike the other kinds it is
// verified on chain, so the domain must carry the ledger contract address.
type Withdraw struct {
	BrokerID      string
	ChainID       *big.Int
	Receiver      common.Address
	Token         string
	Amount        *big.Int
	WithdrawNonce uint64
	Timestamp     uint64
}

func (m Withdraw) primaryType() string { return "Withdraw" }

func (m Withdraw) types() []TypeProperty {
	return []TypeProperty{
		{Name: "brokerId", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "receiver", Type: "address"},
		{Name: "token", Type: "string"},
		{Name: "amount", Type: "uint256"},
		{Name: "withdrawNonce", Type: "uint64"},
		{Name: "timestamp", Type: "uint64"},
	}
}

func (m Withdraw) message() map[string]interface{} {
	return map[string]interface{}{
		"brokerId":      m.BrokerID,
		"chainId":       m.ChainID,
		"receiver":      m.Receiver.Hex(),
		"token":         m.Token,
		"amount":        m.Amount,
		"withdrawNonce": new(big.Int).SetUint64(m.WithdrawNonce),
		"timestamp":     new(big.Int).SetUint64(m.Timestamp),
	}
}

// SettlePnl authorizes settling unrealized PnL into the settled balance.
type SettlePnl struct {
	BrokerID    string
	ChainID     *big.Int
	SettleNonce uint64
	Timestamp   uint64
}

func (m SettlePnl) primaryType() string { return "SettlePnl" }

func (m SettlePnl) types() []TypeProperty {
	return []TypeProperty{
		{Name: "brokerId", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "settleNonce", Type: "uint64"},
		{Name: "timestamp", Type: "uint64"},
	}
}

func (m SettlePnl) message() map[string]interface{} {
	return map[string]interface{}{
		"brokerId":    m.BrokerID,
		"chainId":     m.ChainID,
		"settleNonce": new(big.Int).SetUint64(m.SettleNonce),
		"timestamp":   new(big.Int).SetUint64(m.Timestamp),
	}
}

type typedMessage interface {
	primaryType() string
	types() []TypeProperty
	message() map[string]interface{}
}

// SignOffChain signs Registration, AddOrderlyKey or SettlePnl messages against
// the off-chain null verifying contract.
func SignOffChain(priv *ecdsa.PrivateKey, chainID *big.Int, msg typedMessage) (*Signature, error) {
	if msg.primaryType() == "Withdraw" {
		return nil, fmt.Errorf("withdraw messages require the ledger contract domain")
	}
	return signTyped(priv, chainID, OffChainVerifyingContract, msg)
}

// SignWithdraw signs a Withdraw message against the venue ledger contract.
func SignWithdraw(priv *ecdsa.PrivateKey, chainID *big.Int, ledgerContract common.Address, msg Withdraw) (*Signature, error) {
	return signTyped(priv, chainID, ledgerContract.Hex(), msg)
}

func signTyped(priv *ecdsa.PrivateKey, chainID *big.Int, verifyingContract string, msg typedMessage) (*Signature, error) {
	if priv == nil {
		return nil, fmt.Errorf("nil private key")
	}

	td := apitypes.TypedData{
		Types:       toAPITypes(msg.primaryType(), msg.types()),
		PrimaryType: msg.primaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: msg.message(),
	}

	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, err
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSep[:]...)
	raw = append(raw, msgHash[:]...)

	digest := crypto.Keccak256Hash(raw)
	sig, err := crypto.Sign(digest.Bytes(), priv)
	if err != nil {
		return nil, err
	}

	return &Signature{
		R: "0x" + hex.EncodeToString(sig[:32]),
		S: "0x" + hex.EncodeToString(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

func toAPITypes(primaryType string, props []TypeProperty) map[string][]apitypes.Type {
	arr := make([]apitypes.Type, 0, len(props))
	for _, p := range props {
		arr = append(arr, apitypes.Type{Name: p.Name, Type: p.Type})
	}
	return map[string][]apitypes.Type{
		primaryType: arr,
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
	}
}
