// internal/checkout/service.go
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/listing"
	"github.com/rovshanmuradov/blinkshop/internal/settlement"
	"github.com/rovshanmuradov/blinkshop/internal/transaction"
	"github.com/rovshanmuradov/blinkshop/internal/transfer"
	"github.com/rovshanmuradov/blinkshop/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Listings is the listing persistence the pipeline reads and the service manages.
type Listings interface {
	Create(ctx context.Context, d listing.Draft) (*listing.Listing, error)
	Get(ctx context.Context, id string) (*listing.Listing, error)
	List(ctx context.Context, owner string) ([]*listing.Listing, error)
	Delete(ctx context.Context, id string) error
}

// Submitter signs, sends and confirms a built transfer. Status reports a
// transaction sent by someone else, such as a buyer's own wallet.
type Submitter interface {
	Submit(ctx context.Context, u *transfer.Unsigned, signer wallet.Signer) (*transaction.Submitted, error)
	Status(ctx context.Context, signature solana.Signature) (*transaction.Submitted, error)
}

// Settler runs settlement for a recorded payment.
type Settler interface {
	Settle(ctx context.Context, rec ledger.PaymentRecord) (settlement.Attempt, error)
}

// PurchaseRequest is a buyer's intent to pay for a listing.
type PurchaseRequest struct {
	ListingID string
	Token     string
	// Amount defaults to the listing price.
	Amount    decimal.Decimal
	Reference string
}

// ConfirmedPayment reports a transfer the buyer signed and sent outside this
// service. Amount defaults to the listing price.
type ConfirmedPayment struct {
	ListingID string
	Signature string
	Buyer     string
	Token     string
	Amount    decimal.Decimal
	Reference string
}

// Result is a confirmed purchase. SettlementError is informational: the
// transfer is final whatever it says.
type Result struct {
	Signature       string                  `json:"signature"`
	Slot            uint64                  `json:"slot"`
	ListingID       string                  `json:"listing_id"`
	Token           string                  `json:"token"`
	Amount          decimal.Decimal         `json:"amount"`
	Units           uint64                  `json:"units"`
	Reference       string                  `json:"reference,omitempty"`
	Payment         ledger.PaymentRecord    `json:"payment"`
	Settlement      settlement.Attempt      `json:"settlement"`
	SettlementError string                  `json:"settlement_error,omitempty"`
	Status          ledger.SettlementStatus `json:"settlement_status"`
}

type Service struct {
	listings  Listings
	ledger    *ledger.Ledger
	builder   *transfer.Builder
	submitter Submitter
	settler   Settler
	logger    *zap.Logger
}

func NewService(listings Listings, l *ledger.Ledger, builder *transfer.Builder, submitter Submitter, settler Settler, logger *zap.Logger) *Service {
	return &Service{
		listings:  listings,
		ledger:    l,
		builder:   builder,
		submitter: submitter,
		settler:   settler,
		logger:    logger.Named("checkout"),
	}
}

// Purchase runs build, submit, confirm, record and settle strictly in order.
// The ledger is only touched after confirmation, so a failure or cancellation
// before that leaves no trace.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest, signer wallet.Signer) (*Result, error) {
	item, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		return nil, stageErr(StageListing, req.ListingID, "", err)
	}
	if signer == nil {
		return nil, stageErr(StageBuild, item.ID, "", fmt.Errorf("%w: no wallet connected", wallet.ErrSignerUnavailable))
	}
	buyer := signer.PublicKey().String()
	if buyer == item.Owner {
		return nil, stageErr(StageListing, item.ID, "", ErrSelfPurchase)
	}
	if _, err := s.ledger.RegisterListing(item.ID, item.Owner, item.Name, item.Price); err != nil {
		return nil, stageErr(StageListing, item.ID, "", err)
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = item.Price
	}

	log := s.logger.With(
		zap.String("listing_id", item.ID),
		zap.String("buyer", buyer),
		zap.String("token", req.Token),
		zap.String("amount", amount.String()))

	unsigned, err := s.builder.Build(transfer.Request{
		Token:     req.Token,
		Amount:    amount,
		Sender:    buyer,
		Recipient: item.Owner,
		Reference: req.Reference,
	})
	if err != nil {
		log.Info("Transfer rejected", zap.Error(err))
		return nil, stageErr(StageBuild, item.ID, "", err)
	}

	submitted, err := s.submitter.Submit(ctx, unsigned, signer)
	if err != nil {
		sig := ""
		if submitted != nil {
			sig = submitted.Signature.String()
		}
		log.Warn("Transfer not confirmed", zap.String("signature", sig), zap.Error(err))
		return nil, stageErr(StageSubmit, item.ID, sig, err)
	}
	return s.complete(ctx, log, item, amount, unsigned, submitted)
}

// RecordConfirmed records a purchase whose transfer the buyer sent with their own
// wallet. The signature must already be confirmed on-chain; a pending or failed
// one records nothing.
func (s *Service) RecordConfirmed(ctx context.Context, p ConfirmedPayment) (*Result, error) {
	item, err := s.listings.Get(ctx, p.ListingID)
	if err != nil {
		return nil, stageErr(StageListing, p.ListingID, "", err)
	}
	p.Buyer = strings.TrimSpace(p.Buyer)
	if p.Buyer == item.Owner {
		return nil, stageErr(StageListing, item.ID, "", ErrSelfPurchase)
	}
	signature, err := solana.SignatureFromBase58(strings.TrimSpace(p.Signature))
	if err != nil {
		return nil, stageErr(StageSubmit, item.ID, "", fmt.Errorf("%w: %v", ErrMalformedSignature, err))
	}
	sig := signature.String()
	if _, err := s.ledger.Payment(sig); err == nil {
		return nil, stageErr(StageRecord, item.ID, sig, fmt.Errorf("%w: %s", ledger.ErrDuplicatePayment, sig))
	}
	if _, err := s.ledger.RegisterListing(item.ID, item.Owner, item.Name, item.Price); err != nil {
		return nil, stageErr(StageListing, item.ID, "", err)
	}

	amount := p.Amount
	if amount.IsZero() {
		amount = item.Price
	}
	log := s.logger.With(
		zap.String("listing_id", item.ID),
		zap.String("buyer", p.Buyer),
		zap.String("token", p.Token),
		zap.String("amount", amount.String()),
		zap.String("signature", sig))

	// The transfer is rebuilt only to validate the request; it is never sent.
	unsigned, err := s.builder.Build(transfer.Request{
		Token:     p.Token,
		Amount:    amount,
		Sender:    p.Buyer,
		Recipient: item.Owner,
		Reference: p.Reference,
	})
	if err != nil {
		log.Info("Reported payment rejected", zap.Error(err))
		return nil, stageErr(StageBuild, item.ID, sig, err)
	}

	status, err := s.submitter.Status(ctx, signature)
	if err != nil {
		log.Warn("Signature status unavailable", zap.Error(err))
		return nil, stageErr(StageSubmit, item.ID, sig, err)
	}
	switch status.Status {
	case transaction.StatusConfirmed:
	case transaction.StatusFailed:
		return nil, stageErr(StageSubmit, item.ID, sig,
			fmt.Errorf("%w: %s failed on-chain: %s", transaction.ErrTransactionRejected, sig, status.Error))
	default:
		return nil, stageErr(StageSubmit, item.ID, sig, fmt.Errorf("%w: %s", ErrNotConfirmed, sig))
	}
	status.Reference = p.Reference

	return s.complete(ctx, log, item, amount, unsigned, status)
}

// complete records a confirmed transfer and runs settlement. Settlement errors
// never fail the purchase.
func (s *Service) complete(ctx context.Context, log *zap.Logger, item *listing.Listing, amount decimal.Decimal, unsigned *transfer.Unsigned, submitted *transaction.Submitted) (*Result, error) {
	sig := submitted.Signature.String()
	buyer := unsigned.FeePayer.String()

	rec, err := s.ledger.RecordPayment(ledger.PaymentInput{
		ListingID: item.ID,
		Buyer:     buyer,
		Merchant:  item.Owner,
		Amount:    amount,
		Token:     unsigned.Token.Symbol,
		Signature: sig,
	})
	if err != nil {
		log.Error("Confirmed transfer could not be recorded", zap.String("signature", sig), zap.Error(err))
		return nil, stageErr(StageRecord, item.ID, sig, err)
	}

	res := &Result{
		Signature: sig,
		Slot:      submitted.Slot,
		ListingID: item.ID,
		Token:     unsigned.Token.Symbol,
		Amount:    amount,
		Units:     unsigned.Units,
		Reference: unsigned.Reference,
		Payment:   rec,
		Status:    rec.SettlementStatus,
	}

	att, err := s.settler.Settle(ctx, rec)
	res.Settlement = att
	if err != nil {
		res.SettlementError = stageErr(StageSettle, item.ID, sig, err).Error()
		log.Warn("Purchase confirmed, settlement tracking failed", zap.String("signature", sig), zap.Error(err))
	}
	if stored, err := s.ledger.Payment(sig); err == nil {
		res.Payment = stored
		res.Status = stored.SettlementStatus
	}

	log.Info("Purchase confirmed",
		zap.String("signature", sig),
		zap.String("settlement_state", string(att.State)),
		zap.Bool("degraded", att.Degraded))
	return res, nil
}

// CreateListing stores a listing and registers it in the ledger.
func (s *Service) CreateListing(ctx context.Context, d listing.Draft) (*listing.Listing, error) {
	item, err := s.listings.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.RegisterListing(item.ID, item.Owner, item.Name, item.Price); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) GetListing(ctx context.Context, id string) (*listing.Listing, error) {
	return s.listings.Get(ctx, id)
}

func (s *Service) ListListings(ctx context.Context, owner string) ([]*listing.Listing, error) {
	return s.listings.List(ctx, owner)
}

// DeleteListing removes the listing and discards its ledger aggregate.
// Payment records that reference it are kept.
func (s *Service) DeleteListing(ctx context.Context, id string) error {
	if err := s.listings.Delete(ctx, id); err != nil {
		return err
	}
	s.ledger.DiscardListing(id)
	return nil
}

// ListingStats returns the sale count and revenue of a listing.
func (s *Service) ListingStats(ctx context.Context, id string) (ledger.Aggregate, error) {
	agg, err := s.ledger.Aggregate(id)
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, ledger.ErrUnknownListing) {
		return ledger.Aggregate{}, err
	}
	// Listings created before this process started have no sales here yet.
	if _, err := s.listings.Get(ctx, id); err != nil {
		return ledger.Aggregate{}, err
	}
	return ledger.Aggregate{Revenue: decimal.Zero}, nil
}

func (s *Service) MerchantPayments(address string) []ledger.PaymentRecord {
	return s.ledger.TransactionsForMerchant(address)
}

func (s *Service) ListingPayments(id string) []ledger.PaymentRecord {
	return s.ledger.TransactionsForListing(id)
}
