package erc20

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// AddressTopic left-pads an address into the 32-byte indexed-topic form.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// ParseTransfer decodes a Transfer(from indexed, to indexed, value) log.
func ParseTransfer(log types.Log) (*Transfer, error) {
	if len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return nil, fmt.Errorf("log is not an indexed erc20 transfer")
	}
	if len(log.Data) != 32 {
		return nil, fmt.Errorf("transfer log data is %d bytes, want 32", len(log.Data))
	}
	return &Transfer{
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(log.Data),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
	}, nil
}
