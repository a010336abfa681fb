// internal/checkout/errors.go
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/listing"
	"github.com/rovshanmuradov/blinkshop/internal/settlement"
	"github.com/rovshanmuradov/blinkshop/internal/token"
	"github.com/rovshanmuradov/blinkshop/internal/transaction"
	"github.com/rovshanmuradov/blinkshop/internal/transfer"
	"github.com/rovshanmuradov/blinkshop/internal/wallet"
)

var (
	// ErrSelfPurchase is returned when the buyer is the listing owner.
	ErrSelfPurchase = errors.New("cannot buy your own listing")

	// ErrNotConfirmed means a reported signature has not reached the required commitment yet.
	ErrNotConfirmed       = errors.New("transaction not confirmed")
	ErrMalformedSignature = errors.New("malformed transaction signature")
)

// Stage is the last pipeline step a purchase reached.
type Stage string

const (
	StageListing Stage = "listing"
	StageBuild   Stage = "build"
	StageSubmit  Stage = "submit"
	StageRecord  Stage = "record"
	StageSettle  Stage = "settle"
)

// Class groups errors by what the caller should do next.
type Class string

const (
	// ClassInput: fix the request. Never retried.
	ClassInput Class = "input"
	// ClassCapability: the wallet or token accounts cannot serve this attempt; start over.
	ClassCapability Class = "capability"
	// ClassTransient: retries were exhausted; trying again later may work.
	ClassTransient Class = "transient"
	// ClassConfirmation: on-chain state decides; resubmitting risks a duplicate transfer.
	ClassConfirmation Class = "confirmation"
	ClassCanceled     Class = "canceled"
	ClassInternal     Class = "internal"
)

// Error carries the context a caller needs to retry or escalate a failed purchase.
type Error struct {
	Stage     Stage
	ListingID string
	// Signature is set once the transaction has been sent.
	Signature string
	Err       error
}

func (e *Error) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("checkout %s failed (listing %s, signature %s): %v", e.Stage, e.ListingID, e.Signature, e.Err)
	}
	return fmt.Sprintf("checkout %s failed (listing %s): %v", e.Stage, e.ListingID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Class classifies the underlying error.
func (e *Error) Class() Class {
	return Classify(e.Err)
}

// Classify maps any pipeline error onto the caller-facing taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.Is(err, ErrSelfPurchase),
		errors.Is(err, transfer.ErrAmountInvalid),
		errors.Is(err, transfer.ErrAddressInvalid),
		errors.Is(err, token.ErrUnknownToken),
		errors.Is(err, listing.ErrValidation),
		errors.Is(err, listing.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownListing),
		errors.Is(err, ledger.ErrDuplicatePayment),
		errors.Is(err, ErrMalformedSignature):
		return ClassInput
	case errors.Is(err, wallet.ErrSignerRejected),
		errors.Is(err, wallet.ErrSignerUnavailable),
		errors.Is(err, transfer.ErrTokenAccountUnavailable):
		return ClassCapability
	case errors.Is(err, transaction.ErrConfirmationTimeout),
		errors.Is(err, transaction.ErrTransactionRejected),
		errors.Is(err, ErrNotConfirmed):
		return ClassConfirmation
	case errors.Is(err, transaction.ErrSubmissionFailed),
		errors.Is(err, transaction.ErrRetryExhausted),
		errors.Is(err, settlement.ErrRetryExhausted),
		errors.Is(err, settlement.ErrSettlementUnavailable):
		return ClassTransient
	default:
		return ClassInternal
	}
}

func stageErr(stage Stage, listingID, signature string, err error) error {
	return &Error{Stage: stage, ListingID: listingID, Signature: signature, Err: err}
}
