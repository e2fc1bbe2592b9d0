package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"orderly/custodian/internal/signer"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// envelope is the uniform venue response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ExchangeClient executes venue REST calls with authentication, response
// classification and bounded exponential backoff. It holds no local state
// beyond the signer and logger.
type ExchangeClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *signer.RequestSigner
	log        zerolog.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExchangeClient(baseURL string, sg *signer.RequestSigner, log zerolog.Logger) *ExchangeClient {
	return &ExchangeClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		signer:      sg,
		log:         log,
		maxAttempts: 5,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ExchangeClient) backoff(attempt int) time.Duration {
	d := c.baseDelay << min(attempt, 10)
	return min(d, c.maxDelay)
}

// Do issues one venue call, retrying retryable failures with exponential
// backoff. Clock-skew rejections are surfaced immediately: reissuing the same
// request cannot fix a drifted clock.
func (c *ExchangeClient) Do(ctx context.Context, method string, path string, payload any, authenticated bool) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		data, err := c.doOnce(ctx, method, path, payload, authenticated)
		if err == nil {
			return data, nil
		}

		var cs *signer.ErrClockSkew
		if errors.As(err, &cs) || IsClockSkew(err) {
			return nil, err
		}
		if !IsRetryable(err) {
			return nil, err
		}

		lastErr = err
		c.log.Warn().
			Str("method", method).
			Str("path", path).
			Int("attempt", attempt+1).
			Err(err).
			Msg("venue call failed, will retry")
	}
	return nil, fmt.Errorf("venue call %s %s failed after %d attempts: %w", method, path, c.maxAttempts, lastErr)
}

func (c *ExchangeClient) doOnce(ctx context.Context, method string, path string, payload any, authenticated bool) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if authenticated {
		if c.signer == nil {
			return nil, fmt.Errorf("authenticated call %s %s without a request signer", method, path)
		}
		ts := c.now().UnixMilli()
		headers, err := c.signer.Headers(ts, method, path, body)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &VenueError{
				Code:      CodeUnknown,
				Message:   fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 200)),
				Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			}
		}
		return nil, fmt.Errorf("malformed venue response: %w", err)
	}

	if env.Success && resp.StatusCode < 400 {
		return env.Data, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &VenueError{Code: CodeTooManyRequests, Message: env.Message, Retryable: true}
	}
	return nil, Classify(env.Code, env.Message)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// --- venue operations ---

type RegistrationNonce struct {
	Nonce string `json:"registration_nonce"`
}

// RegistrationNonce fetches a fresh registration nonce. Single use, valid for
// two minutes.
func (c *ExchangeClient) RegistrationNonce(ctx context.Context) (string, error) {
	data, err := c.Do(ctx, http.MethodGet, "/v1/registration_nonce", nil, false)
	if err != nil {
		return "", err
	}
	var out RegistrationNonce
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.Nonce, nil
}

type RegistrationMessage struct {
	BrokerID          string `json:"brokerId"`
	ChainID           int64  `json:"chainId"`
	Timestamp         int64  `json:"timestamp"`
	RegistrationNonce string `json:"registrationNonce"`
}

type RegisterAccountRequest struct {
	Message     RegistrationMessage `json:"message"`
	Signature   string              `json:"signature"`
	UserAddress string              `json:"userAddress"`
}

type RegisterAccountResponse struct {
	AccountID string `json:"account_id"`
}

func (c *ExchangeClient) RegisterAccount(ctx context.Context, req RegisterAccountRequest) (string, error) {
	data, err := c.Do(ctx, http.MethodPost, "/v1/register_account", req, false)
	if err != nil {
		return "", err
	}
	var out RegisterAccountResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", err
	}
	return out.AccountID, nil
}

type AddKeyMessage struct {
	BrokerID   string `json:"brokerId"`
	ChainID    int64  `json:"chainId"`
	OrderlyKey string `json:"orderlyKey"`
	Scope      string `json:"scope"`
	Timestamp  int64  `json:"timestamp"`
	Expiration int64  `json:"expiration"`
}

type AddKeyRequest struct {
	Message     AddKeyMessage `json:"message"`
	Signature   string        `json:"signature"`
	UserAddress string        `json:"userAddress"`
}

func (c *ExchangeClient) AddOrderlyKey(ctx context.Context, req AddKeyRequest) error {
	_, err := c.Do(ctx, http.MethodPost, "/v1/orderly_key", req, false)
	return err
}

type WithdrawMessage struct {
	BrokerID      string `json:"brokerId"`
	ChainID       int64  `json:"chainId"`
	Receiver      string `json:"receiver"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	WithdrawNonce uint64 `json:"withdrawNonce"`
	Timestamp     int64  `json:"timestamp"`
}

type WithdrawRequest struct {
	Message           WithdrawMessage `json:"message"`
	Signature         string          `json:"signature"`
	UserAddress       string          `json:"userAddress"`
	VerifyingContract string          `json:"verifyingContract"`
}

func (c *ExchangeClient) RequestWithdraw(ctx context.Context, req WithdrawRequest) error {
	_, err := c.Do(ctx, http.MethodPost, "/v1/withdraw_request", req, true)
	return err
}

type withdrawNonceResponse struct {
	WithdrawNonce uint64 `json:"withdraw_nonce"`
}

func (c *ExchangeClient) WithdrawNonce(ctx context.Context) (uint64, error) {
	data, err := c.Do(ctx, http.MethodGet, "/v1/withdraw_nonce", nil, true)
	if err != nil {
		return 0, err
	}
	var out withdrawNonceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, err
	}
	return out.WithdrawNonce, nil
}

type SettlePnlMessage struct {
	BrokerID    string `json:"brokerId"`
	ChainID     int64  `json:"chainId"`
	SettleNonce uint64 `json:"settleNonce"`
	Timestamp   int64  `json:"timestamp"`
}

type SettlePnlRequest struct {
	Message     SettlePnlMessage `json:"message"`
	Signature   string           `json:"signature"`
	UserAddress string           `json:"userAddress"`
}

func (c *ExchangeClient) SettlePnl(ctx context.Context, req SettlePnlRequest) error {
	_, err := c.Do(ctx, http.MethodPost, "/v1/settle_pnl", req, true)
	return err
}

type DepositConfirmation struct {
	AccountID string `json:"account_id"`
	TxHash    string `json:"tx_hash"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
}

// ConfirmDeposit mirrors an internally credited deposit onto the venue. The
// venue deduplicates by tx hash; a duplicate-request rejection means a prior
// attempt already landed and callers treat it as success.
func (c *ExchangeClient) ConfirmDeposit(ctx context.Context, accountID string, txHash string, token string, amount decimal.Decimal) error {
	req := DepositConfirmation{
		AccountID: accountID,
		TxHash:    txHash,
		Token:     token,
		Amount:    amount.String(),
	}
	_, err := c.Do(ctx, http.MethodPost, "/v1/broker/deposit_confirmation", req, true)
	if IsDuplicate(err) {
		c.log.Info().Str("tx_hash", txHash).Msg("deposit already confirmed on venue")
		return nil
	}
	return err
}

type Holding struct {
	Token   string          `json:"token"`
	Holding decimal.Decimal `json:"holding"`
	Frozen  decimal.Decimal `json:"frozen"`
}

type holdingsResponse struct {
	Holdings []Holding `json:"holding"`
}

func (c *ExchangeClient) Holdings(ctx context.Context) ([]Holding, error) {
	data, err := c.Do(ctx, http.MethodGet, "/v1/client/holding", nil, true)
	if err != nil {
		return nil, err
	}
	var out holdingsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out.Holdings, nil
}
