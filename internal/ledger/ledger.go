// internal/ledger/ledger.go
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownListing   = errors.New("unknown listing")
	ErrDuplicatePayment = errors.New("payment already recorded")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrInvalidPayment   = errors.New("invalid payment")
	ErrSettlementFinal  = errors.New("settlement status is final")

	// ErrSettlementRegression rejects a move to an earlier settlement status.
	ErrSettlementRegression = errors.New("settlement status cannot move backward")
)

type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementInTransit SettlementStatus = "in_transit"
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
)

func (s SettlementStatus) Terminal() bool {
	return s == SettlementCompleted || s == SettlementFailed
}

// Before reports whether next is a later step than s.
// Order: pending, in_transit, then completed or failed. Unknown values precede pending.
func (s SettlementStatus) Before(next SettlementStatus) bool {
	return s.rank() < next.rank()
}

func (s SettlementStatus) rank() int {
	switch s {
	case SettlementPending:
		return 0
	case SettlementInTransit:
		return 1
	case SettlementCompleted, SettlementFailed:
		return 2
	default:
		return -1
	}
}

// ListingEntry is the ledger's registration of a listing.
type ListingEntry struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// Aggregate is derived from the listing's payment records and only grows.
type Aggregate struct {
	SaleCount int64           `json:"sale_count"`
	Revenue   decimal.Decimal `json:"revenue"`
}

type PaymentInput struct {
	ListingID string
	Buyer     string
	Merchant  string
	Amount    decimal.Decimal
	Token     string
	Signature string
}

type PaymentRecord struct {
	ListingID        string           `json:"listing_id"`
	Buyer            string           `json:"buyer"`
	Merchant         string           `json:"merchant"`
	Amount           decimal.Decimal  `json:"amount"`
	Token            string           `json:"token"`
	Signature        string           `json:"signature"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	SettlementRef    string           `json:"settlement_ref,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type listingState struct {
	entry ListingEntry

	mu  sync.Mutex
	agg Aggregate
}

// Ledger is the append-only record of listings and their confirmed payments.
type Ledger struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.RWMutex
	listings    map[string]*listingState
	records     []*PaymentRecord
	bySignature map[string]*PaymentRecord
}

func New(logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		logger:      logger.Named("ledger"),
		metrics:     m,
		now:         time.Now,
		listings:    make(map[string]*listingState),
		bySignature: make(map[string]*PaymentRecord),
	}
}

// RegisterListing is idempotent: a second call for the same id returns the first entry unchanged.
func (l *Ledger) RegisterListing(id, owner, name string, price decimal.Decimal) (ListingEntry, error) {
	if strings.TrimSpace(id) == "" {
		return ListingEntry{}, fmt.Errorf("%w: empty listing id", ErrUnknownListing)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.listings[id]; ok {
		return st.entry, nil
	}
	st := &listingState{
		entry: ListingEntry{
			ID:           id,
			Owner:        owner,
			Name:         name,
			Price:        price,
			RegisteredAt: l.now(),
		},
	}
	l.listings[id] = st
	l.logger.Debug("Listing registered", zap.String("listing_id", id), zap.String("owner", owner))
	return st.entry, nil
}

// RecordPayment appends a confirmed payment and updates the listing aggregate.
func (l *Ledger) RecordPayment(in PaymentInput) (PaymentRecord, error) {
	if strings.TrimSpace(in.Signature) == "" {
		return PaymentRecord{}, fmt.Errorf("%w: empty signature", ErrInvalidPayment)
	}
	if !in.Amount.IsPositive() {
		return PaymentRecord{}, fmt.Errorf("%w: amount %s", ErrInvalidPayment, in.Amount)
	}

	now := l.now()
	rec := &PaymentRecord{
		ListingID:        in.ListingID,
		Buyer:            in.Buyer,
		Merchant:         in.Merchant,
		Amount:           in.Amount,
		Token:            in.Token,
		Signature:        in.Signature,
		SettlementStatus: SettlementPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	l.mu.Lock()
	st, ok := l.listings[in.ListingID]
	if !ok {
		l.mu.Unlock()
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrUnknownListing, in.ListingID)
	}
	if _, dup := l.bySignature[in.Signature]; dup {
		l.mu.Unlock()
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrDuplicatePayment, in.Signature)
	}
	l.records = append(l.records, rec)
	l.bySignature[in.Signature] = rec
	out := *rec
	l.mu.Unlock()

	st.mu.Lock()
	st.agg.SaleCount++
	st.agg.Revenue = st.agg.Revenue.Add(in.Amount)
	count := st.agg.SaleCount
	st.mu.Unlock()

	l.metrics.PaymentRecorded(in.Token)
	l.logger.Info("Payment recorded",
		zap.String("listing_id", in.ListingID),
		zap.String("signature", in.Signature),
		zap.String("amount", in.Amount.String()),
		zap.String("token", in.Token),
		zap.Int64("sale_count", count))
	return out, nil
}

// UpdateSettlement moves a record's settlement status forward. Completed and
// failed records cannot move again, and no record moves to an earlier status.
func (l *Ledger) UpdateSettlement(signature string, status SettlementStatus, ref string) (PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.bySignature[signature]
	if !ok {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, signature)
	}
	if rec.SettlementStatus == status && (ref == "" || ref == rec.SettlementRef) {
		return *rec, nil
	}
	if rec.SettlementStatus.Terminal() {
		return *rec, fmt.Errorf("%w: %s is %s", ErrSettlementFinal, signature, rec.SettlementStatus)
	}
	if status.Before(rec.SettlementStatus) {
		return *rec, fmt.Errorf("%w: %s is %s, got %q", ErrSettlementRegression, signature, rec.SettlementStatus, status)
	}

	rec.SettlementStatus = status
	if ref != "" {
		rec.SettlementRef = ref
	}
	rec.UpdatedAt = l.now()
	return *rec, nil
}

// Payment returns the record for a signature.
func (l *Ledger) Payment(signature string) (PaymentRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.bySignature[signature]
	if !ok {
		return PaymentRecord{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, signature)
	}
	return *rec, nil
}

// TransactionsForMerchant returns records in recording order.
func (l *Ledger) TransactionsForMerchant(merchant string) []PaymentRecord {
	return l.filter(func(r *PaymentRecord) bool { return r.Merchant == merchant })
}

// TransactionsForListing returns records in recording order, including those of discarded listings.
func (l *Ledger) TransactionsForListing(listingID string) []PaymentRecord {
	return l.filter(func(r *PaymentRecord) bool { return r.ListingID == listingID })
}

// PendingSettlements returns records whose settlement has a reference but no final status.
func (l *Ledger) PendingSettlements() []PaymentRecord {
	return l.filter(func(r *PaymentRecord) bool {
		return !r.SettlementStatus.Terminal() && r.SettlementRef != ""
	})
}

func (l *Ledger) filter(keep func(*PaymentRecord) bool) []PaymentRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]PaymentRecord, 0)
	for _, r := range l.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	return out
}

func (l *Ledger) Aggregate(listingID string) (Aggregate, error) {
	l.mu.RLock()
	st, ok := l.listings[listingID]
	l.mu.RUnlock()
	if !ok {
		return Aggregate{}, fmt.Errorf("%w: %s", ErrUnknownListing, listingID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.agg, nil
}

func (l *Ledger) Listing(listingID string) (ListingEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.listings[listingID]
	if !ok {
		return ListingEntry{}, fmt.Errorf("%w: %s", ErrUnknownListing, listingID)
	}
	return st.entry, nil
}

// DiscardListing drops the listing and its aggregate. Its payment records stay.
func (l *Ledger) DiscardListing(listingID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.listings[listingID]; !ok {
		return false
	}
	delete(l.listings, listingID)
	l.logger.Info("Listing discarded, payment records kept", zap.String("listing_id", listingID))
	return true
}
