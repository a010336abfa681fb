// internal/settlement/types.go
package settlement

import (
	"strconv"
	"strings"
	"time"

	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/shopspring/decimal"
)

// Quote is a normalized FX quote.
type Quote struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Rate      decimal.Decimal `json:"rate"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Payment is a normalized settlement-network payment or settlement.
// Status is empty when the network reported no status or one it does not document.
type Payment struct {
	ID             string                  `json:"id"`
	Type           string                  `json:"type"`
	Status         ledger.SettlementStatus `json:"status"`
	Amount         decimal.Decimal         `json:"amount"`
	Currency       string                  `json:"currency"`
	FXQuoteID      string                  `json:"fx_quote_id,omitempty"`
	BlockchainHash string                  `json:"blockchain_hash,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

type CreatePaymentRequest struct {
	IdempotencyKey     string
	Amount             decimal.Decimal
	SourceWalletID     string
	DestinationAddress string
	FXQuoteID          string
	Description        string
}

type CreateSettlementRequest struct {
	IdempotencyKey string
	WalletID       string
	Amount         decimal.Decimal
	BankAccountID  string
	FXQuoteID      string
}

// Wire shapes. Every field is optional; normalize fills the gaps.

type envelope[T any] struct {
	Data *T `json:"data"`
}

type quoteWire struct {
	QuoteID   string           `json:"quoteId"`
	ID        string           `json:"id"`
	Rate      *decimal.Decimal `json:"rate"`
	BuyPrice  *decimal.Decimal `json:"buyPrice"`
	SellPrice *decimal.Decimal `json:"sellPrice"`
	ExpiresAt string           `json:"expiresAt"`
}

type paymentWire struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	Amount         *decimal.Decimal `json:"amount"`
	FXQuoteID      string           `json:"fxQuoteId"`
	BlockchainHash string           `json:"blockchainHash"`
	CreateDate     string           `json:"createDate"`
	UpdateDate     string           `json:"updateDate"`
}

type walletRef struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Address string `json:"address,omitempty"`
}

type quoteRequestWire struct {
	Amount              string `json:"amount"`
	SourceCurrency      string `json:"sourceCurrency"`
	DestinationCurrency string `json:"destinationCurrency"`
}

type paymentRequestWire struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	Amount         string    `json:"amount"`
	AmountInBase   string    `json:"amountInBase"`
	Currency       string    `json:"currency"`
	Source         walletRef `json:"source"`
	Destination    walletRef `json:"destination"`
	FXQuoteID      string    `json:"fxQuoteId,omitempty"`
	Description    string    `json:"description,omitempty"`
}

type settlementRequestWire struct {
	IdempotencyKey           string `json:"idempotencyKey"`
	WalletID                 string `json:"walletId"`
	Amount                   string `json:"amount"`
	DestinationBankAccountID string `json:"destinationBankAccountId"`
	FXQuoteID                string `json:"fxQuoteId,omitempty"`
}

type errorWire struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
}

// NormalizeStatus maps the network's status vocabulary onto ledger statuses.
// Missing and unknown values map to the empty status.
func NormalizeStatus(s string) ledger.SettlementStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "complete", "completed", "paid", "confirmed":
		return ledger.SettlementCompleted
	case "in_transit", "running", "processing":
		return ledger.SettlementInTransit
	case "pending", "created", "queued":
		return ledger.SettlementPending
	case "failed":
		return ledger.SettlementFailed
	default:
		return ""
	}
}

func normalizeQuote(w *quoteWire, amount decimal.Decimal, now time.Time) *Quote {
	q := &Quote{
		Amount:    amount,
		Rate:      decimal.NewFromInt(1),
		BuyPrice:  decimal.NewFromInt(1),
		SellPrice: decimal.NewFromInt(1),
		ExpiresAt: now.Add(60 * time.Second),
		ID:        "quote_" + formatMillis(now),
	}
	if w == nil {
		return q
	}
	switch {
	case w.QuoteID != "":
		q.ID = w.QuoteID
	case w.ID != "":
		q.ID = w.ID
	}
	if w.Rate != nil && w.Rate.IsPositive() {
		q.Rate = *w.Rate
	}
	if w.BuyPrice != nil && w.BuyPrice.IsPositive() {
		q.BuyPrice = *w.BuyPrice
	}
	if w.SellPrice != nil && w.SellPrice.IsPositive() {
		q.SellPrice = *w.SellPrice
	}
	if t, ok := parseTime(w.ExpiresAt); ok {
		q.ExpiresAt = t
	}
	return q
}

// normalizePayment fills defaults. fallbackID is used when the response has no id.
// The status is left empty unless the response carries a known one.
func normalizePayment(w *paymentWire, fallbackID, defaultType string, amount decimal.Decimal, now time.Time) *Payment {
	p := &Payment{
		ID:        fallbackID,
		Type:      defaultType,
		Amount:    amount,
		Currency:  "USDC",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w == nil {
		return p
	}
	if w.ID != "" {
		p.ID = w.ID
	}
	if w.Type != "" {
		p.Type = w.Type
	}
	p.Status = NormalizeStatus(w.Status)
	if w.Amount != nil {
		p.Amount = *w.Amount
	}
	p.FXQuoteID = w.FXQuoteID
	p.BlockchainHash = w.BlockchainHash
	if t, ok := parseTime(w.CreateDate); ok {
		p.CreatedAt = t
	}
	if t, ok := parseTime(w.UpdateDate); ok {
		p.UpdatedAt = t
	}
	return p
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
