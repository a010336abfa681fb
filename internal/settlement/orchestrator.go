// internal/settlement/orchestrator.go
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/merchant"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is a step of the per-payment settlement state machine.
type State string

const (
	StateConfirmedOnchain        State = "confirmed_onchain"
	StateQuoted                  State = "quoted"
	StateSettlementCreated       State = "settlement_created"
	StateBankSettlementRequested State = "bank_settlement_requested"
	StateBasicFallback           State = "basic_fallback"
	StateFailed                  State = "failed"
)

// Network is the settlement-network surface the orchestrator drives. *Client implements it.
type Network interface {
	GetFXQuote(ctx context.Context, amount decimal.Decimal, sourceCurrency, destinationCurrency string) (*Quote, error)
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error)
	CreateSettlement(ctx context.Context, req CreateSettlementRequest) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
}

// Recorder is the basic settlement path. *merchant.Book implements it.
type Recorder interface {
	RecordPayment(ctx context.Context, in merchant.PaymentInput) (merchant.Transaction, error)
}

// Transition is one entry of an attempt's history.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Attempt is the settlement state of one confirmed payment, keyed by its signature.
type Attempt struct {
	Reference    string                  `json:"reference"`
	ListingID    string                  `json:"listing_id"`
	Merchant     string                  `json:"merchant"`
	Amount       decimal.Decimal         `json:"amount"`
	State        State                   `json:"state"`
	Status       ledger.SettlementStatus `json:"status"`
	Degraded     bool                    `json:"degraded"`
	QuoteID      string                  `json:"quote_id,omitempty"`
	PaymentID    string                  `json:"payment_id,omitempty"`
	SettlementID string                  `json:"settlement_id,omitempty"`
	FallbackID   string                  `json:"fallback_id,omitempty"`
	Error        string                  `json:"error,omitempty"`
	History      []Transition            `json:"history"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

type OrchestratorConfig struct {
	// SourceWalletID is the merchant-side wallet at the settlement network.
	SourceWalletID string
	// BankAccountID enables the bank settlement step when set.
	BankAccountID       string
	SourceCurrency      string
	DestinationCurrency string
	// CallTimeout bounds each step, including its retries.
	CallTimeout time.Duration
}

// Orchestrator drives confirmed payments through advanced settlement with a
// basic fallback. It never reports an on-chain payment as failed.
type Orchestrator struct {
	network  Network
	fallback Recorder
	ledger   *ledger.Ledger
	config   OrchestratorConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.RWMutex
	attempts  map[string]*Attempt
	byPayment map[string]string
}

// idempotencyNamespace scopes the deterministic idempotency keys of this service.
var idempotencyNamespace = uuid.MustParse("6f1c9a52-3f0e-4f55-9a57-2b4c1d1e8a90")

// IdempotencyKey derives a stable key for op on the payment with the given signature.
// Retries and re-runs of the same step always send the same key.
func IdempotencyKey(op, signature string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(op+":"+signature)).String()
}

func NewOrchestrator(network Network, fallback Recorder, l *ledger.Ledger, config OrchestratorConfig, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if config.SourceCurrency == "" {
		config.SourceCurrency = "USDC"
	}
	if config.DestinationCurrency == "" {
		config.DestinationCurrency = "USD"
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	return &Orchestrator{
		network:   network,
		fallback:  fallback,
		ledger:    l,
		config:    config,
		logger:    logger.Named("settlement"),
		metrics:   m,
		now:       time.Now,
		attempts:  make(map[string]*Attempt),
		byPayment: make(map[string]string),
	}
}

// Settle runs the state machine for a recorded payment. The returned error is
// non-nil only when both paths failed and wraps ErrSettlementTrackingFailed;
// the payment itself stays confirmed either way.
func (o *Orchestrator) Settle(ctx context.Context, rec ledger.PaymentRecord) (Attempt, error) {
	att := o.begin(rec)
	log := o.logger.With(
		zap.String("signature", rec.Signature),
		zap.String("listing_id", rec.ListingID))

	if snap, done := o.finished(att); done {
		log.Debug("Settlement already finished", zap.String("state", string(snap.State)))
		return snap, nil
	}

	quote, err := o.quote(ctx, rec)
	if err != nil {
		log.Warn("FX quote failed, using basic settlement", zap.Error(err))
		return o.basic(ctx, rec, att, err)
	}
	o.advance(att, StateQuoted, "quote "+quote.ID, func(a *Attempt) { a.QuoteID = quote.ID })

	payment, err := o.createPayment(ctx, rec, quote)
	if err != nil {
		log.Warn("Settlement payment failed, using basic settlement", zap.Error(err))
		return o.basic(ctx, rec, att, err)
	}
	o.advance(att, StateSettlementCreated, "payment "+payment.ID, func(a *Attempt) {
		a.PaymentID = payment.ID
		a.Status = payment.Status
	})
	o.index(payment.ID, rec.Signature)
	o.syncLedger(rec.Signature, payment.Status, payment.ID)
	log.Info("Settlement payment created",
		zap.String("payment_id", payment.ID),
		zap.String("status", string(payment.Status)))

	if o.config.BankAccountID != "" {
		// A failed payout leaves the created payment in place; the fallback is not used.
		s, err := o.createBankSettlement(ctx, rec, quote)
		if err != nil {
			log.Warn("Bank settlement request failed", zap.Error(err))
			o.advance(att, StateSettlementCreated, "bank settlement failed", func(a *Attempt) {
				a.Error = err.Error()
			})
		} else {
			o.advance(att, StateBankSettlementRequested, "settlement "+s.ID, func(a *Attempt) {
				a.SettlementID = s.ID
			})
			log.Info("Bank settlement requested", zap.String("settlement_id", s.ID))
		}
	}

	snap := o.snapshot(att)
	o.metrics.SettlementFinished(string(snap.State), false)
	return snap, nil
}

func (o *Orchestrator) basic(ctx context.Context, rec ledger.PaymentRecord, att *Attempt, cause error) (Attempt, error) {
	o.advance(att, StateBasicFallback, cause.Error(), nil)

	txn, err := o.fallback.RecordPayment(ctx, merchant.PaymentInput{
		Merchant:  rec.Merchant,
		Buyer:     rec.Buyer,
		ListingID: rec.ListingID,
		Amount:    rec.Amount,
		Signature: rec.Signature,
	})
	if err != nil {
		o.advance(att, StateFailed, err.Error(), func(a *Attempt) {
			a.Status = ledger.SettlementFailed
			a.Error = err.Error()
		})
		o.syncLedger(rec.Signature, ledger.SettlementFailed, "")
		o.metrics.SettlementFinished(string(StateFailed), true)
		o.logger.Error("Basic settlement failed",
			zap.String("signature", rec.Signature),
			zap.NamedError("advanced_error", cause),
			zap.Error(err))
		return o.snapshot(att), fmt.Errorf("%w: %s: %w", ErrSettlementTrackingFailed, rec.Signature, err)
	}

	o.advance(att, StateSettlementCreated, "basic "+txn.ID, func(a *Attempt) {
		a.Degraded = true
		a.FallbackID = txn.ID
		a.Status = ledger.SettlementCompleted
		a.Error = cause.Error()
	})
	o.syncLedger(rec.Signature, ledger.SettlementCompleted, txn.ID)
	o.metrics.SettlementFinished(string(StateSettlementCreated), true)
	o.logger.Info("Payment recorded through basic settlement",
		zap.String("signature", rec.Signature),
		zap.String("transaction_id", txn.ID))
	return o.snapshot(att), nil
}

func (o *Orchestrator) quote(ctx context.Context, rec ledger.PaymentRecord) (*Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return o.network.GetFXQuote(ctx, rec.Amount, o.config.SourceCurrency, o.config.DestinationCurrency)
}

func (o *Orchestrator) createPayment(ctx context.Context, rec ledger.PaymentRecord, q *Quote) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return o.network.CreatePayment(ctx, CreatePaymentRequest{
		IdempotencyKey:     IdempotencyKey("payment", rec.Signature),
		Amount:             rec.Amount,
		SourceWalletID:     o.config.SourceWalletID,
		DestinationAddress: rec.Merchant,
		FXQuoteID:          q.ID,
		Description:        "BlinkShop payment for " + rec.ListingID,
	})
}

func (o *Orchestrator) createBankSettlement(ctx context.Context, rec ledger.PaymentRecord, q *Quote) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return o.network.CreateSettlement(ctx, CreateSettlementRequest{
		IdempotencyKey: IdempotencyKey("settlement", rec.Signature),
		WalletID:       o.config.SourceWalletID,
		Amount:         rec.Amount,
		BankAccountID:  o.config.BankAccountID,
		FXQuoteID:      q.ID,
	})
}

// Refresh polls the network for an advanced settlement that has not reached a
// final status and mirrors the answer into the attempt and the ledger. Only
// forward moves are applied; a missing, unknown or earlier status keeps the last one.
func (o *Orchestrator) Refresh(ctx context.Context, reference string) (Attempt, error) {
	o.mu.RLock()
	att, ok := o.lookup(reference)
	o.mu.RUnlock()
	if !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownAttempt, reference)
	}

	snap := o.snapshot(att)
	if snap.PaymentID == "" || snap.Status.Terminal() {
		return snap, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	p, err := o.network.GetPayment(ctx, snap.PaymentID)
	if err != nil {
		return snap, fmt.Errorf("failed to refresh settlement %s: %w", snap.PaymentID, err)
	}
	if !snap.Status.Before(p.Status) {
		if p.Status != snap.Status {
			o.logger.Debug("Ignoring settlement status that does not advance",
				zap.String("payment_id", snap.PaymentID),
				zap.String("current", string(snap.Status)),
				zap.String("reported", string(p.Status)))
		}
		return snap, nil
	}

	o.advance(att, snap.State, "status "+string(p.Status), func(a *Attempt) { a.Status = p.Status })
	o.syncLedger(snap.Reference, p.Status, snap.PaymentID)
	o.logger.Info("Settlement status changed",
		zap.String("signature", snap.Reference),
		zap.String("payment_id", snap.PaymentID),
		zap.String("from", string(snap.Status)),
		zap.String("to", string(p.Status)))
	return o.snapshot(att), nil
}

// Status returns the attempt for a payment signature or a settlement payment id.
func (o *Orchestrator) Status(reference string) (Attempt, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	att, ok := o.lookup(reference)
	if !ok {
		return Attempt{}, fmt.Errorf("%w: %s", ErrUnknownAttempt, reference)
	}
	return copyAttempt(att), nil
}

// lookup must be called with o.mu held.
func (o *Orchestrator) lookup(reference string) (*Attempt, bool) {
	if att, ok := o.attempts[reference]; ok {
		return att, true
	}
	if sig, ok := o.byPayment[reference]; ok {
		att, ok := o.attempts[sig]
		return att, ok
	}
	return nil, false
}

func (o *Orchestrator) begin(rec ledger.PaymentRecord) *Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()

	if att, ok := o.attempts[rec.Signature]; ok {
		return att
	}
	now := o.now()
	att := &Attempt{
		Reference: rec.Signature,
		ListingID: rec.ListingID,
		Merchant:  rec.Merchant,
		Amount:    rec.Amount,
		State:     StateConfirmedOnchain,
		Status:    ledger.SettlementPending,
		History:   []Transition{{State: StateConfirmedOnchain, At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.attempts[rec.Signature] = att
	return att
}

// finished reports whether a previous Settle call already reached a terminal
// state. Re-running it would double-record through the basic path.
func (o *Orchestrator) finished(att *Attempt) (Attempt, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	switch att.State {
	case StateSettlementCreated, StateBankSettlementRequested, StateFailed:
		return copyAttempt(att), true
	}
	return Attempt{}, false
}

func (o *Orchestrator) advance(att *Attempt, state State, note string, mutate func(*Attempt)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	att.State = state
	if mutate != nil {
		mutate(att)
	}
	att.History = append(att.History, Transition{State: state, At: now, Note: note})
	att.UpdatedAt = now
}

func (o *Orchestrator) index(paymentID, signature string) {
	if paymentID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byPayment[paymentID] = signature
}

func (o *Orchestrator) snapshot(att *Attempt) Attempt {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return copyAttempt(att)
}

func copyAttempt(att *Attempt) Attempt {
	out := *att
	out.History = append([]Transition(nil), att.History...)
	return out
}

func (o *Orchestrator) syncLedger(signature string, status ledger.SettlementStatus, ref string) {
	if o.ledger == nil {
		return
	}
	if _, err := o.ledger.UpdateSettlement(signature, status, ref); err != nil {
		if errors.Is(err, ledger.ErrSettlementFinal) || errors.Is(err, ledger.ErrSettlementRegression) {
			o.logger.Debug("Ledger settlement not moved", zap.String("signature", signature), zap.Error(err))
			return
		}
		o.logger.Warn("Failed to update ledger settlement status",
			zap.String("signature", signature),
			zap.Error(err))
	}
}
