package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// codeUserRejected is the provider error code for a declined request.
const codeUserRejected = 4001

// BridgeProvider talks to a wallet extension through a local signing bridge over HTTP.
// The bridge exposes the extension's connect/disconnect/signTransaction calls and
// its presence flags; the private key never leaves the extension.
type BridgeProvider struct {
	kind       Kind
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	address string
}

// NewBridgeProvider creates a provider for the given extension family.
func NewBridgeProvider(kind Kind, baseURL string, httpClient *http.Client, logger *slog.Logger) *BridgeProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute} // signing waits on a human
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &BridgeProvider{
		kind:       kind,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// providerInfo mirrors the presence flags an extension injects into the page.
type providerInfo struct {
	IsPhantom   bool   `json:"isPhantom"`
	IsSolflare  bool   `json:"isSolflare"`
	IsConnected bool   `json:"isConnected"`
	PublicKey   string `json:"publicKey"`
}

type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *BridgeProvider) Kind() Kind {
	return p.kind
}

func (p *BridgeProvider) CurrentAddress() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// CheckSession re-reads the bridge's presence flags. A session the extension
// no longer reports, or one now on a different account, clears the cached address.
func (p *BridgeProvider) CheckSession(ctx context.Context) (string, error) {
	cached := p.CurrentAddress()
	if cached == "" {
		return "", nil
	}

	info, err := p.info(ctx)
	if err != nil {
		return cached, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if info.IsConnected && info.PublicKey == cached {
		return cached, nil
	}

	p.mu.Lock()
	if p.address == cached {
		p.address = ""
	}
	p.mu.Unlock()

	p.logger.WarnContext(ctx, "wallet session lost",
		"kind", p.kind,
		"address", cached,
		"is_connected", info.IsConnected,
		"public_key", info.PublicKey,
	)
	return "", nil
}

// Available reports whether the bridge is up and fronts this provider's extension.
func (p *BridgeProvider) Available(ctx context.Context) bool {
	info, err := p.info(ctx)
	if err != nil {
		p.logger.DebugContext(ctx, "wallet bridge probe failed", "kind", p.kind, "error", err)
		return false
	}
	switch p.kind {
	case PhantomLike:
		return info.IsPhantom
	case SolflareLike:
		return info.IsSolflare
	default:
		return false
	}
}

func (p *BridgeProvider) Connect(ctx context.Context, trustedOnly bool) (string, error) {
	if !p.Available(ctx) {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, p.kind)
	}

	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := p.post(ctx, "/connect", map[string]bool{"onlyIfTrusted": trustedOnly}, &resp); err != nil {
		return "", err
	}

	pk, err := solana.PublicKeyFromBase58(resp.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: invalid public key %q: %v", ErrProviderError, resp.PublicKey, err)
	}

	p.mu.Lock()
	p.address = pk.String()
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "wallet connected", "kind", p.kind, "address", pk.String())
	return pk.String(), nil
}

func (p *BridgeProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	hadSession := p.address != ""
	p.address = ""
	p.mu.Unlock()

	if !hadSession {
		return nil
	}

	if err := p.post(ctx, "/disconnect", struct{}{}, nil); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "wallet disconnected", "kind", p.kind)
	return nil
}

func (p *BridgeProvider) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if p.CurrentAddress() == "" {
		return nil, fmt.Errorf("%w: no active session", ErrProviderError)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode transaction: %v", ErrProviderError, err)
	}

	var resp struct {
		SignedTransaction string `json:"signedTransaction"`
	}
	req := map[string]string{"transaction": base64.StdEncoding.EncodeToString(raw)}
	if err := p.post(ctx, "/signTransaction", req, &resp); err != nil {
		return nil, err
	}

	signed, err := DecodeTransaction(resp.SignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if err := checkSigned(tx, signed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return signed, nil
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(b64 string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// checkSigned verifies the provider returned the same message with a valid fee payer signature.
func checkSigned(unsigned, signed *solana.Transaction) error {
	want, err := unsigned.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	got, err := signed.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode signed message: %w", err)
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("provider altered the transaction message")
	}
	if len(signed.Signatures) == 0 || signed.Signatures[0] == (solana.Signature{}) {
		return fmt.Errorf("provider returned an unsigned transaction")
	}
	if err := signed.VerifySignatures(); err != nil {
		return fmt.Errorf("provider returned an invalid signature: %w", err)
	}
	return nil
}

func (p *BridgeProvider) info(ctx context.Context) (*providerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/provider", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	var info providerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode provider info: %w", err)
	}
	return &info, nil
}

func (p *BridgeProvider) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request: %v", ErrProviderError, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", ErrProviderError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return p.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrProviderError, err)
	}
	return nil
}

// parseErrorResponse maps the extension's error payload onto the wallet taxonomy.
func (p *BridgeProvider) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp bridgeError
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("%w: status %d: %s", ErrProviderError, resp.StatusCode, string(body))
	}
	if errResp.Code == codeUserRejected {
		return fmt.Errorf("%w: %s", ErrUserRejected, errResp.Message)
	}
	return fmt.Errorf("%w: code %d: %s", ErrProviderError, errResp.Code, errResp.Message)
}
