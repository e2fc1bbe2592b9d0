package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"orderly/custodian/internal/models"
	"orderly/custodian/internal/stores"
	"orderly/custodian/internal/utils/erc20"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// LogClient is the slice of ethclient.Client the scanner needs.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ChainScanner polls for token transfers into the custodial address and turns
// them into deposit records. The persisted cursor only advances after a range
// has been fully processed, so scans are contiguous and gapless: a crash
// mid-range re-scans it and PutIfAbsent absorbs the duplicates.
type ChainScanner struct {
	client   LogClient
	cursor   stores.CursorStore
	deposits stores.DepositStore
	accounts stores.AccountStore
	log      zerolog.Logger

	token            common.Address
	custodial        common.Address
	minDeposit       *big.Int
	minConfirmations uint64
	startBlock       uint64
	batchSize        uint64
	interval         time.Duration
}

func NewChainScanner(
	client LogClient,
	cursor stores.CursorStore,
	deposits stores.DepositStore,
	accounts stores.AccountStore,
	token common.Address,
	custodial common.Address,
	minDeposit *big.Int,
	minConfirmations uint64,
	startBlock uint64,
	log zerolog.Logger,
) *ChainScanner {
	return &ChainScanner{
		client:           client,
		cursor:           cursor,
		deposits:         deposits,
		accounts:         accounts,
		log:              log,
		token:            token,
		custodial:        custodial,
		minDeposit:       minDeposit,
		minConfirmations: minConfirmations,
		startBlock:       startBlock,
		batchSize:        500,
		interval:         2 * time.Second,
	}
}

func (s *ChainScanner) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				// transient RPC failures leave the cursor untouched; the next
				// tick retries the same range
				s.log.Warn().Err(err).Msg("scan tick failed")
			}
		}
	}
}

// ScanOnce processes at most one contiguous block range.
func (s *ChainScanner) ScanOnce(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("error getting chain head: %w", err)
	}

	cursor, err := s.cursor.Get(ctx)
	if err != nil {
		return err
	}
	if cursor == 0 && s.startBlock > 0 {
		cursor = s.startBlock - 1
	}
	if head <= cursor {
		return nil
	}

	from := cursor + 1
	to := min(cursor+s.batchSize, head)

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.token},
		Topics: [][]common.Hash{
			{erc20.TransferTopic},
			nil,
			{erc20.AddressTopic(s.custodial)},
		},
	})
	if err != nil {
		return fmt.Errorf("error filtering logs [%d, %d]: %w", from, to, err)
	}

	for _, lg := range logs {
		if err := s.handleTransfer(ctx, lg, head); err != nil {
			return err
		}
	}

	return s.cursor.Put(ctx, to)
}

func (s *ChainScanner) handleTransfer(ctx context.Context, lg types.Log, head uint64) error {
	transfer, err := erc20.ParseTransfer(lg)
	if err != nil {
		s.log.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Msg("skipping unparseable transfer log")
		return nil
	}

	// dust below the minimum is never recorded
	if transfer.Value.Cmp(s.minDeposit) < 0 {
		return nil
	}

	confirmations := uint64(0)
	if head >= transfer.BlockNumber {
		confirmations = head - transfer.BlockNumber + 1
	}
	status := models.DepositPending
	if confirmations >= s.minConfirmations {
		status = models.DepositConfirmed
	}

	// deposits from a registered wallet are claimed at creation; anything else
	// waits for an explicit claim before it can be credited
	userID := ""
	account, err := s.accounts.GetByWallet(ctx, transfer.From.Hex())
	if err != nil && !errors.Is(err, stores.ErrAccountNotFound) {
		return err
	}
	if account != nil {
		userID = account.UserID
	}

	now := time.Now()
	rec := &models.DepositRecord{
		TxHash:        transfer.TxHash.Hex(),
		UserID:        userID,
		Amount:        new(big.Int).Set(transfer.Value),
		FromAddress:   transfer.From.Hex(),
		ToAddress:     transfer.To.Hex(),
		BlockNumber:   transfer.BlockNumber,
		Confirmations: confirmations,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.log.Info().
		Str("tx_hash", rec.TxHash).
		Str("from", rec.FromAddress).
		Str("amount", rec.Amount.String()).
		Uint64("block", rec.BlockNumber).
		Str("status", string(rec.Status)).
		Msg("deposit sighted")

	return s.deposits.PutIfAbsent(ctx, rec)
}
