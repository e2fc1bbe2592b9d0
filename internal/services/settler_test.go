package services

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"orderly/custodian/internal/mocks"
	"orderly/custodian/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type mockVenue struct {
	confirmErr error
	calls      int
	lastTxHash string
	lastAcct   string
	lastAmount decimal.Decimal
}

func (m *mockVenue) ConfirmDeposit(ctx context.Context, accountID string, txHash string, token string, amount decimal.Decimal) error {
	m.calls++
	m.lastTxHash = txHash
	m.lastAcct = accountID
	m.lastAmount = amount
	return m.confirmErr
}

type mockHead struct {
	head uint64
}

func (m *mockHead) BlockNumber(ctx context.Context) (uint64, error) { return m.head, nil }

type mockAlerter struct {
	alerts []string
}

func (m *mockAlerter) Alert(ctx context.Context, rec *models.DepositRecord, msg string) {
	m.alerts = append(m.alerts, msg)
}

type settlerFixture struct {
	settler  *Settler
	deposits *mocks.MockDepositStore
	ledger   *mocks.MockLedger
	accounts *mocks.MockAccountStore
	venue    *mockVenue
	head     *mockHead
	alerter  *mockAlerter
}

func newSettlerFixture(t *testing.T) *settlerFixture {
	t.Helper()
	f := &settlerFixture{
		deposits: mocks.NewMockDepositStore(),
		ledger:   mocks.NewMockLedger(),
		accounts: mocks.NewMockAccountStore(),
		venue:    &mockVenue{},
		head:     &mockHead{},
		alerter:  &mockAlerter{},
	}
	f.accounts.Insert(context.Background(), models.Account{
		UserID:    "alice",
		Wallet:    "0x1111111111111111111111111111111111111111",
		AccountID: "0xacc",
	})
	// amounts carry 6 decimals, USDC style
	f.settler = NewSettler(f.deposits, f.ledger, f.accounts, f.venue, f.head, f.alerter, "USDC", 6, 12, zerolog.Nop())
	return f
}

func (f *settlerFixture) putDeposit(t *testing.T, rec *models.DepositRecord) {
	t.Helper()
	if err := f.deposits.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put error: %v", err)
	}
}

func TestTick_BelowThresholdStaysPending(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 110 // block 100 -> 11 confirmations, threshold 12
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositPending {
		t.Fatalf("status = %s, want PENDING at %d confirmations", rec.Status, rec.Confirmations)
	}
	if rec.Confirmations != 11 {
		t.Fatalf("confirmations = %d, want 11", rec.Confirmations)
	}
	if f.ledger.Credits != 0 {
		t.Fatal("no credit may happen below threshold")
	}
}

func TestTick_ThresholdConfirmsAndCredits(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 111 // exactly 12 confirmations
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000), // 100 USDC
		BlockNumber: 100, Status: models.DepositPending,
	})

	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositCredited {
		t.Fatalf("status = %s, want CREDITED", rec.Status)
	}
	if !rec.OrderlyConfirmed {
		t.Fatal("OrderlyConfirmed must be set after a successful mirror")
	}
	balance, _ := f.ledger.Balance(context.Background(), "alice")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", balance)
	}
	if f.venue.lastAcct != "0xacc" || f.venue.lastTxHash != "0xaaa" {
		t.Fatalf("mirror call = (%s, %s)", f.venue.lastAcct, f.venue.lastTxHash)
	}
}

func TestTick_RerunCreditsExactlyOnce(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	for i := 0; i < 3; i++ {
		if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
			t.Fatalf("Tick(%d) error: %v", i, err)
		}
	}

	if f.ledger.Credits != 1 {
		t.Fatalf("internal credits = %d, want exactly 1", f.ledger.Credits)
	}
	if f.venue.calls != 1 {
		t.Fatalf("mirror calls = %d, want 1 (credited is terminal)", f.venue.calls)
	}
	balance, _ := f.ledger.Balance(context.Background(), "alice")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want exactly 100", balance)
	}
}

func TestTick_MirrorFailureKeepsConfirmedAndAlerts(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200
	f.venue.confirmErr = errors.New("venue unavailable")
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	for i := 0; i < 3; i++ {
		if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
			t.Fatalf("Tick(%d) error: %v", i, err)
		}
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositConfirmed {
		t.Fatalf("status = %s, want CONFIRMED while the mirror is the failing half", rec.Status)
	}
	if rec.OrderlyConfirmed {
		t.Fatal("OrderlyConfirmed must stay false")
	}
	if rec.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", rec.RetryCount)
	}
	if rec.ErrorMessage == "" {
		t.Fatal("error message must be recorded")
	}
	if len(f.alerter.alerts) == 0 {
		t.Fatal("an operator alert must fire at the alert threshold")
	}
	// the internal half applied exactly once on the first attempt
	if f.ledger.Credits != 1 {
		t.Fatalf("internal credits = %d, want 1", f.ledger.Credits)
	}
	balance, _ := f.ledger.Balance(context.Background(), "alice")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", balance)
	}
}

func TestTick_MirrorRecoversAfterFailures(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200
	f.venue.confirmErr = errors.New("venue unavailable")
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	for i := 0; i < 2; i++ {
		if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
			t.Fatalf("Tick error: %v", err)
		}
	}
	f.venue.confirmErr = nil
	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositCredited || !rec.OrderlyConfirmed {
		t.Fatalf("record should settle once the mirror recovers, got %+v", rec)
	}
	if f.ledger.Credits != 1 {
		t.Fatalf("internal credits = %d, want 1 across the whole episode", f.ledger.Credits)
	}
}

func TestTick_UnclaimedWaitsIndefinitely(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositConfirmed {
		t.Fatalf("status = %s, want CONFIRMED (threshold reached)", rec.Status)
	}
	if f.ledger.Credits != 0 || f.venue.calls != 0 {
		t.Fatal("crediting must never proceed without an owner")
	}

	if err := f.settler.Claim(context.Background(), "0xaaa", "alice"); err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if f.deposits.Items["0xaaa"].Status != models.DepositCredited {
		t.Fatal("claimed deposit should credit on the next tick")
	}
}

// claimRacingStore fires a callback after the settler has taken its snapshot
// of a record, simulating a claim committed while a tick is in flight.
type claimRacingStore struct {
	*mocks.MockDepositStore
	afterGet func()
}

func (s *claimRacingStore) Get(ctx context.Context, txHash string) (*models.DepositRecord, error) {
	rec, err := s.MockDepositStore.Get(ctx, txHash)
	if fn := s.afterGet; fn != nil {
		s.afterGet = nil
		fn()
	}
	return rec, err
}

func TestTick_ClaimDuringTickIsNotLost(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200

	racing := &claimRacingStore{MockDepositStore: f.deposits}
	f.settler.deposits = racing
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	// the claim commits after the tick has read the unclaimed record but
	// before the tick persists its confirmation-count update
	racing.afterGet = func() {
		if err := f.settler.Claim(context.Background(), "0xaaa", "alice"); err != nil {
			t.Fatalf("Claim error: %v", err)
		}
	}
	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.UserID != "alice" {
		t.Fatalf("claim lost: UserID = %q after concurrent tick, want alice", rec.UserID)
	}
	if rec.Status != models.DepositConfirmed {
		t.Fatalf("status = %s, want CONFIRMED (tick progress kept too)", rec.Status)
	}

	// the now-claimed record credits on the next tick
	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if f.deposits.Items["0xaaa"].Status != models.DepositCredited {
		t.Fatal("claimed deposit should credit on the following tick")
	}
	if balance, _ := f.ledger.Balance(context.Background(), "alice"); !balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", balance)
	}
}

// scanGuardStore flags any write issued while a Scan is still open.
type scanGuardStore struct {
	*mocks.MockDepositStore
	scanning bool
	violated bool
}

func (s *scanGuardStore) Scan(ctx context.Context, visit func(*models.DepositRecord) error) error {
	s.scanning = true
	defer func() { s.scanning = false }()
	return s.MockDepositStore.Scan(ctx, visit)
}

func (s *scanGuardStore) Put(ctx context.Context, rec *models.DepositRecord) error {
	if s.scanning {
		s.violated = true
	}
	return s.MockDepositStore.Put(ctx, rec)
}

func (s *scanGuardStore) Update(ctx context.Context, txHash string, fn func(*models.DepositRecord) (bool, error)) error {
	if s.scanning {
		s.violated = true
	}
	return s.MockDepositStore.Update(ctx, txHash, fn)
}

func TestTick_NeverWritesUnderOpenScan(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200

	guard := &scanGuardStore{MockDepositStore: f.deposits}
	f.settler.deposits = guard
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("Tick error: %v", err)
	}

	if guard.violated {
		t.Fatal("settle sweep wrote to the store while its read snapshot was still open")
	}
	if f.deposits.Items["0xaaa"].Status != models.DepositCredited {
		t.Fatalf("record did not settle: %+v", f.deposits.Items["0xaaa"])
	}
}

func TestClaim_ConflictsAndUnknowns(t *testing.T) {
	f := newSettlerFixture(t)
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(1), Status: models.DepositPending,
	})

	if err := f.settler.Claim(context.Background(), "0xaaa", "alice"); err != nil {
		t.Fatalf("re-claiming by the same user must be a no-op, got %v", err)
	}
	if err := f.settler.Claim(context.Background(), "0xaaa", "bob"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if err := f.settler.Claim(context.Background(), "0xmissing", "alice"); err == nil {
		t.Fatal("expected error for unknown deposit")
	}
}

func TestTick_RetriesExhaustedMarksFailed(t *testing.T) {
	f := newSettlerFixture(t)
	f.head.head = 200
	f.settler.maxRetries = 2
	f.venue.confirmErr = errors.New("venue unavailable")
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(100000000),
		BlockNumber: 100, Status: models.DepositPending,
	})

	for i := 0; i < 4; i++ {
		if err := f.settler.Tick(context.Background(), time.Now()); err != nil {
			t.Fatalf("Tick error: %v", err)
		}
	}

	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositFailed {
		t.Fatalf("status = %s, want FAILED after exhausting retries", rec.Status)
	}
	if f.venue.calls != 2 {
		t.Fatalf("mirror calls = %d, want 2 (terminal records are skipped)", f.venue.calls)
	}
}

func TestResetForRetry(t *testing.T) {
	f := newSettlerFixture(t)
	f.settler.maxResets = 1
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(1),
		Status: models.DepositFailed, RetryCount: 10, ErrorMessage: "venue unavailable",
	})

	if err := f.settler.ResetForRetry(context.Background(), "0xaaa"); err != nil {
		t.Fatalf("ResetForRetry error: %v", err)
	}
	rec := f.deposits.Items["0xaaa"]
	if rec.Status != models.DepositConfirmed || rec.RetryCount != 0 || rec.ErrorMessage != "" {
		t.Fatalf("reset record = %+v", rec)
	}

	// budget is bounded
	rec.Status = models.DepositFailed
	f.putDeposit(t, rec)
	if err := f.settler.ResetForRetry(context.Background(), "0xaaa"); !errors.Is(err, ErrResetsExhausted) {
		t.Fatalf("expected ErrResetsExhausted, got %v", err)
	}
}

func TestResetForRetry_OnlyFromFailed(t *testing.T) {
	f := newSettlerFixture(t)
	f.putDeposit(t, &models.DepositRecord{
		TxHash: "0xaaa", UserID: "alice", Amount: big.NewInt(1), Status: models.DepositConfirmed,
	})

	if err := f.settler.ResetForRetry(context.Background(), "0xaaa"); !errors.Is(err, ErrDepositNotFailed) {
		t.Fatalf("expected ErrDepositNotFailed, got %v", err)
	}
}
