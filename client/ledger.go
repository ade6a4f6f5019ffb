package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/planwallet/service/plan"
)

var (
	// ErrLedgerUnavailable is a network or server fault. The call is safe to retry.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrRejected is a server-side validation failure. Never retried automatically.
	ErrRejected = errors.New("rejected by ledger")

	// ErrNotFound means the ledger has no record for the address.
	ErrNotFound = errors.New("not found")
)

// RejectedError carries the ledger's rejection message verbatim.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// LedgerClient is the HTTP client for the subscription ledger.
type LedgerClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLedgerClient creates a new ledger client.
func NewLedgerClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *LedgerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &LedgerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// FetchHistory returns the recorded transactions and current plan for address.
// An address the ledger has never seen yields an empty History, not an error.
func (c *LedgerClient) FetchHistory(ctx context.Context, address string) (*History, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}

	u := fmt.Sprintf("%s/api/transactions/%s", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var resp historyResponse
	if err := c.do(req, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.DebugContext(ctx, "no ledger history", "address", address)
			return &History{Transactions: []TransactionEntry{}}, nil
		}
		return nil, err
	}

	history := responseToHistory(&resp)
	c.logger.DebugContext(ctx, "fetched ledger history",
		"address", address,
		"transactions", len(history.Transactions),
		"has_plan", history.Plan != nil,
	)
	return history, nil
}

// RequestResync tells the ledger to re-derive its transaction cache for address
// from the chain and returns the refreshed transaction list.
func (c *LedgerClient) RequestResync(ctx context.Context, address string) ([]TransactionEntry, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}

	req, err := c.newJSONRequest(ctx, "/api/transactions/update", map[string]string{
		"walletAddress": address,
	})
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []TransactionEntry{}, nil
		}
		return nil, err
	}

	txs, err := decodeTransactionList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed resync response: %v", ErrLedgerUnavailable, err)
	}

	c.logger.DebugContext(ctx, "ledger resynced", "address", address, "transactions", len(txs))
	return txs, nil
}

// RegisterSubscription records planType for address and returns the ledger's
// message, which is meant to be shown to the user as is.
func (c *LedgerClient) RegisterSubscription(ctx context.Context, address string, planType plan.Type) (string, error) {
	if address == "" {
		return "", fmt.Errorf("address is required")
	}
	if !planType.Valid() {
		return "", fmt.Errorf("%w: %q", plan.ErrInvalidPlan, string(planType))
	}

	req, err := c.newJSONRequest(ctx, "/api/wallet/subscribe", map[string]string{
		"walletAddress": address,
		"planType":      string(planType),
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(req, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &RejectedError{StatusCode: http.StatusNotFound, Message: err.Error()}
		}
		return "", err
	}

	c.logger.InfoContext(ctx, "subscription registered",
		"address", address,
		"plan", planType,
		"message", resp.Message,
	)
	return resp.Message, nil
}

func (c *LedgerClient) newJSONRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do sends req and decodes a 2xx body into out. Failures are classified into
// ErrLedgerUnavailable, ErrNotFound or *RejectedError.
func (c *LedgerClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// parseErrorResponse maps a non-2xx ledger response onto the error taxonomy.
// The body's "error" or "message" field is kept verbatim.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil {
		switch {
		case errResp.Error != "":
			msg = errResp.Error
		case errResp.Message != "":
			msg = errResp.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrLedgerUnavailable, resp.StatusCode, msg)
	default:
		return &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// decodeTransactionList accepts either {"transactions": [...]} or a bare array.
func decodeTransactionList(raw json.RawMessage) ([]TransactionEntry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []TransactionEntry{}, nil
	}
	if raw[0] == '[' {
		var list []transactionResponse
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return responseToEntries(list), nil
	}
	var wrapped historyResponse
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return responseToEntries(wrapped.Transactions), nil
}
