package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"orderly/custodian/internal/models"
	"orderly/custodian/internal/orderly"
	"orderly/custodian/internal/stores"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ApiService exposes the operator/user surface: account registration, balance
// queries, deposit claims and failed-deposit resets.
type ApiService struct {
	server   *http.Server
	accounts stores.AccountStore
	deposits stores.DepositStore
	ledger   stores.LedgerStore
	settler  *Settler
	brokerID string
	log      zerolog.Logger
}

func NewApiService(
	addr string,
	accounts stores.AccountStore,
	deposits stores.DepositStore,
	ledger stores.LedgerStore,
	settler *Settler,
	brokerID string,
	log zerolog.Logger,
) *ApiService {
	a := &ApiService{
		accounts: accounts,
		deposits: deposits,
		ledger:   ledger,
		settler:  settler,
		brokerID: brokerID,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /accounts", a.handleCreateAccount)
	mux.HandleFunc("GET /balance/{user}", a.handleBalance)
	mux.HandleFunc("POST /claim", a.handleClaim)
	mux.HandleFunc("POST /deposits/{tx}/retry", a.handleRetry)

	a.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return a
}

func (a *ApiService) Start() error {
	return a.server.ListenAndServe()
}

func (a *ApiService) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *ApiService) Handler() http.Handler {
	return a.server.Handler
}

type createAccountRequest struct {
	UserID string `json:"user_id"`
	Wallet string `json:"wallet"`
}

type createAccountResponse struct {
	UserID    string `json:"user_id"`
	Wallet    string `json:"wallet"`
	AccountID string `json:"account_id"`
}

func (a *ApiService) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "invalid request, expected {user_id, wallet}", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Wallet) {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}

	if existing, err := a.accounts.Get(ctx, req.UserID); err == nil {
		writeJSON(w, createAccountResponse{
			UserID:    existing.UserID,
			Wallet:    existing.Wallet,
			AccountID: existing.AccountID,
		})
		return
	} else if !errors.Is(err, stores.ErrAccountNotFound) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	accountID := orderly.ComputeAccountID(common.HexToAddress(req.Wallet), a.brokerID)
	account, err := models.NewAccount(req.UserID, req.Wallet, accountID)
	if err != nil {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	if err := a.accounts.Insert(ctx, *account); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, createAccountResponse{
		UserID:    account.UserID,
		Wallet:    account.Wallet,
		AccountID: account.AccountID,
	})
}

type processingDeposit struct {
	TxHash        string   `json:"tx_hash"`
	Amount        *big.Int `json:"amount"`
	Confirmations uint64   `json:"confirmations"`
	Status        string   `json:"status"`
}

type balanceResponse struct {
	UserID     string              `json:"user_id"`
	Balance    decimal.Decimal     `json:"balance"`
	Processing []processingDeposit `json:"processing"`
}

// handleBalance reports only credited funds in the balance; in-flight deposits
// are listed as processing with their confirmation counts, never hidden.
func (a *ApiService) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.PathValue("user")

	if _, err := a.accounts.Get(ctx, userID); err != nil {
		if errors.Is(err, stores.ErrAccountNotFound) {
			http.Error(w, "unknown user", http.StatusNotFound)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	balance, err := a.ledger.Balance(ctx, userID)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	processing := []processingDeposit{}
	err = a.deposits.Scan(ctx, func(rec *models.DepositRecord) error {
		if rec.UserID != userID || rec.Status.Terminal() {
			return nil
		}
		processing = append(processing, processingDeposit{
			TxHash:        rec.TxHash,
			Amount:        rec.Amount,
			Confirmations: rec.Confirmations,
			Status:        string(rec.Status),
		})
		return nil
	})
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, balanceResponse{UserID: userID, Balance: balance, Processing: processing})
}

type claimRequest struct {
	TxHash string `json:"tx_hash"`
	UserID string `json:"user_id"`
}

func (a *ApiService) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TxHash == "" || req.UserID == "" {
		http.Error(w, "invalid request, expected {tx_hash, user_id}", http.StatusBadRequest)
		return
	}

	err := a.settler.Claim(ctx, req.TxHash, req.UserID)
	switch {
	case err == nil:
		writeJSON(w, map[string]string{"status": "ok"})
	case errors.Is(err, stores.ErrDepositNotFound):
		http.Error(w, "unknown deposit", http.StatusNotFound)
	case errors.Is(err, stores.ErrAccountNotFound):
		http.Error(w, "unknown user", http.StatusNotFound)
	case errors.Is(err, ErrAlreadyClaimed):
		http.Error(w, "deposit already claimed", http.StatusConflict)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (a *ApiService) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txHash := r.PathValue("tx")

	err := a.settler.ResetForRetry(ctx, txHash)
	switch {
	case err == nil:
		writeJSON(w, map[string]string{"status": "ok"})
	case errors.Is(err, stores.ErrDepositNotFound):
		http.Error(w, "unknown deposit", http.StatusNotFound)
	case errors.Is(err, ErrDepositNotFailed):
		http.Error(w, "deposit is not failed", http.StatusConflict)
	case errors.Is(err, ErrResetsExhausted):
		http.Error(w, "reset budget exhausted", http.StatusConflict)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
