package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderly/custodian/internal/models"
	"orderly/custodian/internal/stores"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Venue is the settler's view of the exchange: mirror one internal credit.
type Venue interface {
	ConfirmDeposit(ctx context.Context, accountID string, txHash string, token string, amount decimal.Decimal) error
}

// HeadClient reports the current chain head for confirmation counting.
type HeadClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Alerter receives operator alerts for deposits stuck in the mirror step.
type Alerter interface {
	Alert(ctx context.Context, rec *models.DepositRecord, msg string)
}

type LogAlerter struct {
	Log zerolog.Logger
}

func (a *LogAlerter) Alert(ctx context.Context, rec *models.DepositRecord, msg string) {
	a.Log.Error().
		Str("tx_hash", rec.TxHash).
		Str("user_id", rec.UserID).
		Int("retry_count", rec.RetryCount).
		Str("last_error", rec.ErrorMessage).
		Msg("OPERATOR ALERT: " + msg)
}

var (
	ErrDepositNotFailed = errors.New("deposit is not in failed state")
	ErrResetsExhausted  = errors.New("deposit reset budget exhausted")
	ErrAlreadyClaimed   = errors.New("deposit already claimed")
)

// Settler advances every deposit record through
// pending -> confirmed -> credited, with failed as the bounded-retry dead end.
// The internal ledger credit and the venue mirror are two separately idempotent
// sub-steps: the credit is deduplicated by tx hash inside the ledger, the
// mirror by the venue's duplicate-request handling. A crash between them
// resumes from the confirmed-but-not-mirrored state.
type Settler struct {
	deposits stores.DepositStore
	ledger   stores.LedgerStore
	accounts stores.AccountStore
	venue    Venue
	chain    HeadClient
	alerter  Alerter
	log      zerolog.Logger

	tokenSymbol   string
	tokenDecimals int32

	interval         time.Duration
	minConfirmations uint64
	alertAfter       int
	maxRetries       int
	maxResets        int
}

func NewSettler(
	deposits stores.DepositStore,
	ledger stores.LedgerStore,
	accounts stores.AccountStore,
	venue Venue,
	chain HeadClient,
	alerter Alerter,
	tokenSymbol string,
	tokenDecimals int32,
	minConfirmations uint64,
	log zerolog.Logger,
) *Settler {
	return &Settler{
		deposits:         deposits,
		ledger:           ledger,
		accounts:         accounts,
		venue:            venue,
		chain:            chain,
		alerter:          alerter,
		log:              log,
		tokenSymbol:      tokenSymbol,
		tokenDecimals:    tokenDecimals,
		interval:         2 * time.Second,
		minConfirmations: minConfirmations,
		alertAfter:       3,
		maxRetries:       10,
		maxResets:        3,
	}
}

func (s *Settler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now()); err != nil {
				s.log.Warn().Err(err).Msg("settle tick failed")
			}
		}
	}
}

// Tick recomputes confirmations and advances every non-terminal record. Each
// record is handled independently; a failure on one is persisted on that
// record and never aborts the sweep.
//
// The sweep first collects candidate hashes and closes the store snapshot, so
// no write (and no venue HTTP call) ever runs under an open read transaction.
func (s *Settler) Tick(ctx context.Context, now time.Time) error {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("error getting chain head: %w", err)
	}

	var hashes []string
	err = s.deposits.Scan(ctx, func(rec *models.DepositRecord) error {
		if !rec.Status.Terminal() {
			hashes = append(hashes, rec.TxHash)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, txHash := range hashes {
		if err := s.settle(ctx, txHash, head, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settler) settle(ctx context.Context, txHash string, head uint64, now time.Time) error {
	rec, err := s.deposits.Get(ctx, txHash)
	if err != nil {
		if errors.Is(err, stores.ErrDepositNotFound) {
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	changed := false

	if head >= rec.BlockNumber {
		if conf := head - rec.BlockNumber + 1; conf != rec.Confirmations {
			rec.Confirmations = conf
			changed = true
		}
	}

	if rec.Status == models.DepositPending && rec.Confirmations >= s.minConfirmations {
		rec.Status = models.DepositConfirmed
		changed = true
		s.log.Info().Str("tx_hash", rec.TxHash).Uint64("confirmations", rec.Confirmations).Msg("deposit confirmed")
	}

	if rec.Status == models.DepositConfirmed && !rec.OrderlyConfirmed {
		// crediting never proceeds without an owner; the record waits for
		// a claim
		if !rec.Claimed() {
			if changed {
				return s.persist(ctx, rec, now)
			}
			return nil
		}

		if err := s.credit(ctx, rec); err != nil {
			rec.RetryCount++
			rec.ErrorMessage = err.Error()
			s.log.Warn().
				Str("tx_hash", rec.TxHash).
				Int("retry_count", rec.RetryCount).
				Err(err).
				Msg("deposit mirror failed")

			if rec.RetryCount >= s.alertAfter {
				s.alerter.Alert(ctx, rec, "deposit mirror repeatedly failing")
			}
			if rec.RetryCount >= s.maxRetries {
				rec.Status = models.DepositFailed
				s.alerter.Alert(ctx, rec, "deposit retries exhausted")
			}
			return s.persist(ctx, rec, now)
		}

		rec.Status = models.DepositCredited
		rec.OrderlyConfirmed = true
		rec.ErrorMessage = ""
		changed = true
		s.log.Info().
			Str("tx_hash", rec.TxHash).
			Str("user_id", rec.UserID).
			Msg("deposit credited")
	}

	if changed {
		return s.persist(ctx, rec, now)
	}
	return nil
}

// persist merges only the settlement-owned fields onto the stored record, so a
// claim committed while this sweep was in flight is never overwritten. Records
// that turned terminal under our feet are left alone.
func (s *Settler) persist(ctx context.Context, from *models.DepositRecord, now time.Time) error {
	return s.deposits.Update(ctx, from.TxHash, func(stored *models.DepositRecord) (bool, error) {
		if stored.Status.Terminal() {
			return false, nil
		}
		stored.Confirmations = from.Confirmations
		stored.Status = from.Status
		stored.OrderlyConfirmed = from.OrderlyConfirmed
		stored.RetryCount = from.RetryCount
		stored.ErrorMessage = from.ErrorMessage
		stored.UpdatedAt = now
		return true, nil
	})
}

// credit performs the two settlement sub-steps. The internal credit applies at
// most once per tx hash no matter how often this runs; the venue mirror is the
// retriable half.
func (s *Settler) credit(ctx context.Context, rec *models.DepositRecord) error {
	amount := decimal.NewFromBigInt(rec.Amount, -s.tokenDecimals)

	if _, err := s.ledger.Credit(ctx, rec.UserID, rec.TxHash, amount); err != nil {
		return fmt.Errorf("internal credit: %w", err)
	}

	account, err := s.accounts.Get(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("resolving venue account: %w", err)
	}

	if err := s.venue.ConfirmDeposit(ctx, account.AccountID, rec.TxHash, s.tokenSymbol, amount); err != nil {
		return fmt.Errorf("venue mirror: %w", err)
	}
	return nil
}

// Claim attaches an owner to an unclaimed deposit. Crediting picks the record
// up on the next tick.
func (s *Settler) Claim(ctx context.Context, txHash string, userID string) error {
	rec, err := s.deposits.Get(ctx, txHash)
	if err != nil {
		return err
	}
	if rec.Claimed() {
		if rec.UserID == userID {
			return nil
		}
		return ErrAlreadyClaimed
	}
	if _, err := s.accounts.Get(ctx, userID); err != nil {
		return err
	}
	return s.deposits.Update(ctx, txHash, func(stored *models.DepositRecord) (bool, error) {
		if stored.Claimed() {
			if stored.UserID == userID {
				return false, nil
			}
			return false, ErrAlreadyClaimed
		}
		stored.UserID = userID
		stored.UpdatedAt = time.Now()
		return true, nil
	})
}

// ResetForRetry is the operator action that re-opens a failed record. Bounded:
// each record carries a reset budget.
func (s *Settler) ResetForRetry(ctx context.Context, txHash string) error {
	resets := 0
	err := s.deposits.Update(ctx, txHash, func(rec *models.DepositRecord) (bool, error) {
		if rec.Status != models.DepositFailed {
			return false, ErrDepositNotFailed
		}
		if rec.Resets >= s.maxResets {
			return false, ErrResetsExhausted
		}
		rec.Resets++
		rec.RetryCount = 0
		rec.ErrorMessage = ""
		rec.Status = models.DepositConfirmed
		rec.UpdatedAt = time.Now()
		resets = rec.Resets
		return true, nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("tx_hash", txHash).Int("resets", resets).Msg("deposit reset for retry")
	return nil
}
