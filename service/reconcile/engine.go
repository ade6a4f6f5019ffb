package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/planwallet/client"
	"github.com/brojonat/planwallet/service/db"
	"github.com/brojonat/planwallet/service/metrics"
	natspkg "github.com/brojonat/planwallet/service/nats"
	"github.com/brojonat/planwallet/service/plan"
	"github.com/brojonat/planwallet/service/solana"
	"github.com/brojonat/planwallet/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
)

// Ledger is the subscription ledger surface the engine drives. *client.LedgerClient satisfies it.
type Ledger interface {
	FetchHistory(ctx context.Context, address string) (*client.History, error)
	RequestResync(ctx context.Context, address string) ([]client.TransactionEntry, error)
	RegisterSubscription(ctx context.Context, address string, planType plan.Type) (string, error)
}

// PaymentRunner drives a payment to a terminal state. *solana.Submitter satisfies it.
type PaymentRunner interface {
	Run(ctx context.Context, p *solana.PendingPayment, signer solana.Signer, observe solana.Observer) error
}

// ChainReader re-queries the chain for abandoned payments. *solana.Client satisfies it.
type ChainReader interface {
	Outcome(ctx context.Context, sig solanago.Signature) (solana.Outcome, error)
	FetchTransaction(ctx context.Context, sig solanago.Signature) (*solana.Transaction, error)
}

// Options configures an Engine. Zero values select in-memory and no-op collaborators.
type Options struct {
	Network   string
	Recipient solanago.PublicKey
	Journal   db.Journal
	Events    natspkg.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// BlockhashExpiry is how long after its last update an unseen payment is
	// declared expired by ResolvePending. Defaults to three minutes.
	BlockhashExpiry time.Duration
}

// pendingRegistration is a confirmed or free selection whose registration hit
// a ledger outage and may be retried by the user.
type pendingRegistration struct {
	address string
	plan    plan.Type
	paid    bool
	record  *db.Payment
	payment *PaymentView
}

// Engine owns the wallet session and the cached ledger view, and serializes
// plan selections for the connected address.
type Engine struct {
	providers []wallet.Provider
	ledger    Ledger
	payments  PaymentRunner
	chain     ChainReader
	journal   db.Journal
	events    natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	network   string
	recipient solanago.PublicKey
	expiry    time.Duration

	// sessionMu serializes connect, disconnect and refresh. Plan flows do not
	// take it, so a disconnect never waits for or cancels a running payment.
	sessionMu sync.Mutex

	mu           sync.Mutex
	provider     wallet.Provider
	session      *Session
	transactions []client.TransactionEntry
	plan         *client.SubscriptionRecord
	warnings     []string
	message      string
	lastErr      string
	flow         FlowStatus
	payment      *PaymentView
	flowBusy     bool
	pendingReg   *pendingRegistration
	unresolved   []*db.Payment
}

// NewEngine creates an Engine. Providers are probed in order at each connect.
func NewEngine(providers []wallet.Provider, ledger Ledger, payments PaymentRunner, chain ChainReader, opts Options) *Engine {
	if opts.Journal == nil {
		opts.Journal = db.NewMemoryStore()
	}
	if opts.Events == nil {
		opts.Events = natspkg.NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.BlockhashExpiry <= 0 {
		opts.BlockhashExpiry = 3 * time.Minute
	}
	return &Engine{
		providers: providers,
		ledger:    ledger,
		payments:  payments,
		chain:     chain,
		journal:   opts.Journal,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		network:   opts.Network,
		recipient: opts.Recipient,
		expiry:    opts.BlockhashExpiry,
		flow:      FlowIdle,
	}
}

// Connect establishes a wallet session, asks the ledger to resync the address
// and loads its history. Resync and history failures leave the session
// connected and are reported as warnings in the returned view.
func (e *Engine) Connect(ctx context.Context, trustedOnly bool) (*View, error) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return nil, stageErr(StageConnect, ErrSessionActive)
	}
	provider := e.provider
	e.mu.Unlock()

	if provider == nil {
		p, err := wallet.Detect(ctx, e.logger, e.providers...)
		if err != nil {
			e.recordFlow("connect", "not_installed")
			return nil, stageErr(StageConnect, err)
		}
		provider = p
	}

	address, err := provider.Connect(ctx, trustedOnly)
	e.recordWallet(provider, "connect", err)
	if err != nil {
		e.recordFlow("connect", "error")
		return nil, stageErr(StageConnect, err)
	}

	e.mu.Lock()
	e.provider = provider
	e.session = &Session{Address: address, Provider: provider.Kind(), Connected: true}
	e.clearViewLocked()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "wallet connected", "address", address, "provider", provider.Kind())
	e.publish(ctx, &natspkg.FlowEvent{Kind: natspkg.KindSession, Address: address, Status: "connected", Message: string(provider.Kind())})

	e.reloadUnresolved(ctx, address)
	e.resyncAndLoad(ctx, address)

	e.recordFlow("connect", "success")
	return e.Snapshot(), nil
}

// Disconnect ends the session and clears the cached view. A payment in flight
// keeps running; its outcome is journaled and recoverable by reconnecting.
// Calling Disconnect without a session is a no-op.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	e.mu.Lock()
	session := e.session
	provider := e.provider
	e.session = nil
	e.provider = nil
	e.clearViewLocked()
	e.mu.Unlock()

	if session == nil {
		return nil
	}

	e.publish(ctx, &natspkg.FlowEvent{Kind: natspkg.KindSession, Address: session.Address, Status: "disconnected"})
	e.logger.InfoContext(ctx, "wallet disconnected", "address", session.Address)

	if provider == nil {
		return nil
	}
	err := provider.Disconnect(ctx)
	e.recordWallet(provider, "disconnect", err)
	if err != nil {
		// The local session is released regardless; the extension may still
		// consider itself connected.
		return stageErr(StageConnect, fmt.Errorf("provider disconnect: %w", err))
	}
	return nil
}

// Refresh confirms the session with the provider, then reloads the ledger
// history for the connected address. On failure the previous view is kept and
// the error names the history stage.
func (e *Engine) Refresh(ctx context.Context) (*View, error) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()

	e.checkSession(ctx)
	address, err := e.currentAddress()
	if err != nil {
		return nil, err
	}
	if err := e.loadHistory(ctx, address); err != nil {
		return e.Snapshot(), err
	}
	return e.Snapshot(), nil
}

// Snapshot returns a copy of the current view. A session the provider no
// longer reports is torn down first.
func (e *Engine) Snapshot() *View {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && e.provider != nil && e.provider.CurrentAddress() != e.session.Address {
		e.logger.Warn("wallet provider lost the session", "address", e.session.Address)
		e.session = nil
		e.provider = nil
		e.clearViewLocked()
	}

	v := &View{
		Transactions:        append([]client.TransactionEntry(nil), e.transactions...),
		Flow:                e.flow,
		Message:             e.message,
		Error:               e.lastErr,
		Warnings:            append([]string(nil), e.warnings...),
		RegistrationPending: e.pendingReg != nil && e.pendingReg.paid,
		UnresolvedPayments:  len(e.unresolved),
	}
	if v.Transactions == nil {
		v.Transactions = []client.TransactionEntry{}
	}
	if e.session != nil {
		s := *e.session
		v.Session = &s
	}
	if e.plan != nil {
		p := *e.plan
		v.Plan = &p
	}
	if e.payment != nil {
		p := *e.payment
		v.Payment = &p
	}
	return v
}

// Unresolved returns the journaled payments of the connected address that may
// have charged without being registered.
func (e *Engine) Unresolved() []*db.Payment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*db.Payment, len(e.unresolved))
	copy(out, e.unresolved)
	return out
}

// checkSession asks the provider whether it still holds the session and tears
// the local session down when it dropped it or moved to another account. A
// provider that cannot be reached keeps the session; signing will surface it.
func (e *Engine) checkSession(ctx context.Context) {
	e.mu.Lock()
	session, provider := e.session, e.provider
	e.mu.Unlock()
	if session == nil || provider == nil {
		return
	}

	address, err := provider.CheckSession(ctx)
	e.recordWallet(provider, "check_session", err)
	if err != nil {
		e.logger.WarnContext(ctx, "wallet session check failed", "address", session.Address, "error", err)
		return
	}
	if address == session.Address {
		return
	}

	e.mu.Lock()
	lost := e.session == session
	if lost {
		e.session = nil
		e.provider = nil
		e.clearViewLocked()
	}
	e.mu.Unlock()
	if !lost {
		return
	}

	e.logger.WarnContext(ctx, "wallet provider lost the session", "address", session.Address, "provider_address", address)
	e.publish(ctx, &natspkg.FlowEvent{Kind: natspkg.KindSession, Address: session.Address, Status: "lost"})
	e.recordFlow("session", "lost")
}

func (e *Engine) currentAddress() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return "", stageErr(StageConnect, ErrNotConnected)
	}
	return e.session.Address, nil
}

// resyncAndLoad asks the ledger to re-derive its cache, then fetches history.
// Both failures become warnings.
func (e *Engine) resyncAndLoad(ctx context.Context, address string) {
	start := time.Now()
	entries, err := e.ledger.RequestResync(ctx, address)
	e.recordLedger("resync", start, err)
	if err != nil {
		e.logger.WarnContext(ctx, "ledger resync failed", "address", address, "error", err)
		e.addWarning(address, fmt.Sprintf("resync failed: %v", err))
	} else {
		e.mu.Lock()
		if e.sessionMatchesLocked(address) {
			e.transactions = dedupe(entries)
		}
		e.mu.Unlock()
	}

	if err := e.loadHistory(ctx, address); err != nil {
		e.addWarning(address, err.Error())
	}
}

// loadHistory replaces the cached view with the ledger's history for address.
func (e *Engine) loadHistory(ctx context.Context, address string) error {
	start := time.Now()
	history, err := e.ledger.FetchHistory(ctx, address)
	e.recordLedger("history", start, err)
	if err != nil {
		e.logger.WarnContext(ctx, "ledger history failed", "address", address, "error", err)
		return stageErr(StageHistory, err)
	}

	e.mu.Lock()
	if e.sessionMatchesLocked(address) {
		e.transactions = dedupe(history.Transactions)
		e.plan = history.Plan
	}
	e.mu.Unlock()

	e.publish(ctx, &natspkg.FlowEvent{
		Kind:    natspkg.KindView,
		Address: address,
		Status:  "refreshed",
		Message: fmt.Sprintf("%d transactions", len(history.Transactions)),
	})
	return nil
}

// reloadUnresolved refreshes the unresolved payment list from the journal.
func (e *Engine) reloadUnresolved(ctx context.Context, address string) {
	payments, err := e.journal.ListUnresolved(ctx, address, e.network)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to load payment journal", "address", address, "error", err)
		e.addWarning(address, fmt.Sprintf("payment journal unavailable: %v", err))
		return
	}
	e.mu.Lock()
	if e.sessionMatchesLocked(address) {
		e.unresolved = payments
	}
	e.mu.Unlock()
	if len(payments) > 0 {
		e.logger.InfoContext(ctx, "unresolved payments found", "address", address, "count", len(payments))
	}
}

func (e *Engine) addWarning(address, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionMatchesLocked(address) {
		e.warnings = append(e.warnings, msg)
	}
}

func (e *Engine) sessionMatchesLocked(address string) bool {
	return e.session != nil && e.session.Address == address
}

// clearViewLocked drops everything cached for the previous session. Flow
// bookkeeping for a payment still running is kept by the flow itself.
func (e *Engine) clearViewLocked() {
	e.transactions = nil
	e.plan = nil
	e.warnings = nil
	e.message = ""
	e.lastErr = ""
	e.payment = nil
	e.pendingReg = nil
	e.unresolved = nil
	if !e.flowBusy {
		e.flow = FlowIdle
	}
}

func (e *Engine) publish(ctx context.Context, event *natspkg.FlowEvent) {
	if err := e.events.PublishFlowEvent(context.WithoutCancel(ctx), event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish flow event", "kind", event.Kind, "error", err)
	}
}

func (e *Engine) recordFlow(kind, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordFlow(kind, outcome)
	}
}

func (e *Engine) recordWallet(p wallet.Provider, op string, err error) {
	if e.metrics != nil {
		e.metrics.RecordWalletRequest(string(p.Kind()), op, err)
	}
}

func (e *Engine) recordLedger(op string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.RecordLedgerCall(op, time.Since(start).Seconds(), err)
	}
}
