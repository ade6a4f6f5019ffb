package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/reconcile"
	"github.com/brojonat/planwallet/service/wallet"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - far more than any request here needs
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

type planResponse struct {
	PlanType      plan.Type `json:"plan_type"`
	PriceLamports uint64    `json:"price_lamports"`
	PriceSOL      string    `json:"price_sol"`
	Free          bool      `json:"free"`
}

// handleListPlans returns the static price table.
// GET /api/v1/plans
func handleListPlans() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := make([]planResponse, 0, len(plan.All()))
		for _, t := range plan.All() {
			sel, err := plan.Select(t)
			if err != nil {
				continue
			}
			resp = append(resp, planResponse{
				PlanType:      sel.Type,
				PriceLamports: sel.PriceLamports,
				PriceSOL:      sel.PriceSOL(),
				Free:          sel.IsFree(),
			})
		}
		writeJSON(w, map[string]interface{}{"plans": resp}, http.StatusOK)
	})
}

type transactionResponse struct {
	Hash        string    `json:"transaction_hash"`
	BlockTime   time.Time `json:"block_time"`
	ExplorerURL string    `json:"explorer_url"`
}

type viewResponse struct {
	*reconcile.View
	Transactions []transactionResponse `json:"transactions"`
	PlanActive   bool                  `json:"plan_active"`
}

func viewToResponse(v *reconcile.View, network string) viewResponse {
	txns := make([]transactionResponse, len(v.Transactions))
	for i, t := range v.Transactions {
		txns[i] = transactionResponse{
			Hash:        t.Hash,
			BlockTime:   t.BlockTime,
			ExplorerURL: t.ExplorerURL(network),
		}
	}
	return viewResponse{
		View:         v,
		Transactions: txns,
		PlanActive:   v.Plan.Active(time.Now()),
	}
}

// handleGetSession returns the engine's current view.
// GET /api/v1/session
func handleGetSession(engine Orchestrator, network string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, viewToResponse(engine.Snapshot(), network), http.StatusOK)
	})
}

type connectRequest struct {
	OnlyIfTrusted bool `json:"only_if_trusted"`
}

// handleConnect establishes the wallet session. The body is optional.
// POST /api/v1/session/connect
func handleConnect(engine Orchestrator, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := decodeOptionalBody(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Connecting may wait on a human approving in the wallet.
		clearWriteDeadline(w, r, logger)

		view, err := engine.Connect(r.Context(), req.OnlyIfTrusted)
		if err != nil {
			logger.InfoContext(r.Context(), "connect failed", "trusted_only", req.OnlyIfTrusted, "error", err)
			writeEngineError(w, err)
			return
		}
		writeJSON(w, viewToResponse(view, network), http.StatusOK)
	})
}

// handleDisconnect ends the session. The local session is always released,
// so a provider failure is reported alongside the cleared view.
// POST /api/v1/session/disconnect
func handleDisconnect(engine Orchestrator, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Disconnect(r.Context()); err != nil {
			logger.WarnContext(r.Context(), "provider disconnect failed", "error", err)
			resp := viewToResponse(engine.Snapshot(), network)
			resp.Warnings = append(resp.Warnings, err.Error())
			writeJSON(w, resp, http.StatusOK)
			return
		}
		writeJSON(w, viewToResponse(engine.Snapshot(), network), http.StatusOK)
	})
}

// handleRefresh reloads ledger history for the connected address.
// POST /api/v1/session/refresh
func handleRefresh(engine Orchestrator, network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view, err := engine.Refresh(r.Context())
		if err != nil {
			logger.WarnContext(r.Context(), "refresh failed", "error", err)
			writeEngineError(w, err)
			return
		}
		writeJSON(w, viewToResponse(view, network), http.StatusOK)
	})
}

type selectPlanRequest struct {
	PlanType string `json:"plan_type"`
}

// handleSelectPlan starts a plan selection for the connected address. The
// flow runs detached; progress is read from the session view or the stream.
// POST /api/v1/subscriptions
func handleSelectPlan(engine Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req selectPlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.PlanType == "" {
			writeError(w, "plan_type is required", http.StatusBadRequest)
			return
		}
		planType, err := plan.Parse(req.PlanType)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := engine.StartPlan(r.Context(), planType); err != nil {
			logger.InfoContext(r.Context(), "plan selection refused", "plan", planType, "error", err)
			writeEngineError(w, err)
			return
		}

		logger.InfoContext(r.Context(), "plan selection accepted", "plan", planType)
		writeJSON(w, map[string]string{
			"plan_type": string(planType),
			"status":    "accepted",
		}, http.StatusAccepted)
	})
}

// handleRetryRegistration re-sends a registration that hit a ledger outage.
// POST /api/v1/subscriptions/retry-registration
func handleRetryRegistration(engine Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := engine.RetryRegistration(r.Context())
		if err != nil {
			logger.WarnContext(r.Context(), "registration retry failed", "error", err)
			writeEngineErrorWith(w, err, result)
			return
		}
		writeJSON(w, result, http.StatusOK)
	})
}

type unresolvedResponse struct {
	ID           string    `json:"id"`
	Plan         string    `json:"plan"`
	Lamports     int64     `json:"lamports"`
	Status       string    `json:"status"`
	Signature    *string   `json:"signature,omitempty"`
	Registration string    `json:"registration"`
	ChainUnknown bool      `json:"chain_unknown"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func paymentToResponse(p *db.Payment) unresolvedResponse {
	return unresolvedResponse{
		ID:           p.ID,
		Plan:         p.PlanType,
		Lamports:     p.PriceLamports,
		Status:       p.Status,
		Signature:    p.Signature,
		Registration: p.Registration,
		ChainUnknown: p.ChainUnknown,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// handleListUnresolved lists payments of the connected address that may have
// charged without being registered.
// GET /api/v1/payments/unresolved
func handleListUnresolved(engine Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payments := engine.Unresolved()
		resp := make([]unresolvedResponse, len(payments))
		for i, p := range payments {
			resp[i] = paymentToResponse(p)
		}
		writeJSON(w, map[string]interface{}{
			"payments": resp,
			"count":    len(resp),
		}, http.StatusOK)
	})
}

// handleResolvePending re-queries the chain for every unresolved payment.
// POST /api/v1/payments/resolve
func handleResolvePending(engine Orchestrator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, err := engine.ResolvePending(r.Context())
		if err != nil {
			logger.WarnContext(r.Context(), "resolve failed", "error", err)
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"resolved": resolved,
			"count":    len(resolved),
		}, http.StatusOK)
	})
}

// decodeOptionalBody decodes a JSON body into v, accepting an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errorf("request body too large")
	}
	return errorf("invalid request body")
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, plan.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrNotConnected),
		errors.Is(err, reconcile.ErrSessionActive),
		errors.Is(err, reconcile.ErrFlowInProgress),
		errors.Is(err, reconcile.ErrPaymentUnresolved),
		errors.Is(err, reconcile.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrUserRejected):
		return http.StatusForbidden
	case errors.Is(err, wallet.ErrNotInstalled):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, client.ErrLedgerUnavailable),
		errors.Is(err, wallet.ErrProviderError):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeEngineError writes err with its stage and mapped status.
func writeEngineError(w http.ResponseWriter, err error) {
	writeEngineErrorWith(w, err, nil)
}

func writeEngineErrorWith(w http.ResponseWriter, err error, result *reconcile.FlowResult) {
	body := map[string]interface{}{"error": err.Error()}
	if stage := reconcile.StageOf(err); stage != "" {
		body["stage"] = stage
	}
	if result != nil && result.Message != "" {
		body["message"] = result.Message
	}
	writeJSON(w, body, statusFor(err))
}

// clearWriteDeadline lifts the server write timeout for this response.
func clearWriteDeadline(w http.ResponseWriter, r *http.Request, logger *slog.Logger) *http.ResponseController {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.DebugContext(r.Context(), "could not clear write deadline", "path", r.URL.Path, "error", err)
	}
	return rc
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
