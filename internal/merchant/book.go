// internal/merchant/book.go
package merchant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrVerificationFailed  = errors.New("payment verification failed")
	ErrUnknownMerchant     = errors.New("merchant account not found")
	ErrBelowMinimum        = errors.New("amount below minimum withdrawal")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// minMerchantAddressLength mirrors the length floor of a base58 wallet address.
const minMerchantAddressLength = 41

type TxType string

const (
	TxPayment    TxType = "payment"
	TxWithdrawal TxType = "withdrawal"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is an entry of a merchant account's history.
type Transaction struct {
	ID          string          `json:"id"`
	Type        TxType          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	Currency    string          `json:"currency"`
	Status      TxStatus        `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	ListingID   string          `json:"listing_id,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Description string          `json:"description,omitempty"`
	// CompletesAt is when a pending withdrawal is due; zero for payments.
	CompletesAt time.Time `json:"completes_at,omitempty"`
}

// Account is a merchant's balance sheet in the basic settlement book.
type Account struct {
	ID                string          `json:"id"`
	WalletAddress     string          `json:"wallet_address"`
	Balance           decimal.Decimal `json:"usdc_balance"`
	PendingBalance    decimal.Decimal `json:"pending_balance"`
	TotalEarnings     decimal.Decimal `json:"total_earnings"`
	TotalTransactions int             `json:"total_transactions"`
}

type PaymentInput struct {
	Merchant  string
	Buyer     string
	ListingID string
	Amount    decimal.Decimal
	Signature string
}

type Config struct {
	MinWithdrawal decimal.Decimal
	FeeRate       decimal.Decimal
	// WithdrawalDelay is how long a withdrawal stays pending before CompleteDue settles it.
	WithdrawalDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinWithdrawal:   decimal.NewFromInt(10),
		FeeRate:         decimal.RequireFromString("0.01"),
		WithdrawalDelay: 2 * time.Second,
	}
}

type account struct {
	Account
	history []*Transaction
}

// Book records payments without FX or cross-border features. It backs the
// basic settlement path and the merchant balance view.
type Book struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	accounts    map[string]*account
	bySignature map[string]*Transaction
	all         []*Transaction
}

func NewBook(config Config, logger *zap.Logger) *Book {
	d := DefaultConfig()
	if config.MinWithdrawal.IsZero() {
		config.MinWithdrawal = d.MinWithdrawal
	}
	if config.FeeRate.IsZero() {
		config.FeeRate = d.FeeRate
	}
	if config.WithdrawalDelay <= 0 {
		config.WithdrawalDelay = d.WithdrawalDelay
	}
	return &Book{
		config:      config,
		logger:      logger.Named("merchant-book"),
		now:         time.Now,
		accounts:    make(map[string]*account),
		bySignature: make(map[string]*Transaction),
	}
}

// AccountID is the book's id for a merchant wallet.
func AccountID(wallet string) string {
	prefix := wallet
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "acct_" + prefix
}

// Verify is a parameter sanity check, not an on-chain verification.
func Verify(in PaymentInput) error {
	switch {
	case strings.TrimSpace(in.Signature) == "":
		return fmt.Errorf("%w: empty signature", ErrVerificationFailed)
	case !in.Amount.IsPositive():
		return fmt.Errorf("%w: amount %s", ErrVerificationFailed, in.Amount)
	case len(in.Merchant) < minMerchantAddressLength:
		return fmt.Errorf("%w: merchant address %q too short", ErrVerificationFailed, in.Merchant)
	}
	return nil
}

// RecordPayment credits the merchant. Recording the same signature twice
// returns the first transaction.
func (b *Book) RecordPayment(ctx context.Context, in PaymentInput) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	if err := Verify(in); err != nil {
		return Transaction{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if txn, ok := b.bySignature[in.Signature]; ok {
		return *txn, nil
	}

	acct := b.ensure(in.Merchant)
	txn := &Transaction{
		ID:          "txn_" + uuid.NewString(),
		Type:        TxPayment,
		Amount:      in.Amount,
		Fee:         decimal.Zero,
		Currency:    "USDC",
		Status:      TxCompleted,
		Timestamp:   b.now(),
		ListingID:   in.ListingID,
		Signature:   in.Signature,
		Description: "Payment received from " + shorten(in.Buyer),
	}

	acct.Balance = acct.Balance.Add(in.Amount)
	acct.TotalEarnings = acct.TotalEarnings.Add(in.Amount)
	acct.PendingBalance = acct.PendingBalance.Add(in.Amount)
	acct.TotalTransactions++
	acct.history = append(acct.history, txn)
	b.bySignature[in.Signature] = txn
	b.all = append(b.all, txn)

	b.logger.Info("Payment recorded",
		zap.String("account", acct.ID),
		zap.String("listing_id", in.ListingID),
		zap.String("amount", in.Amount.String()))
	return *txn, nil
}

// InitiateWithdrawal moves amount out of the available balance. The withdrawal
// stays pending until CompleteDue runs past its due time.
func (b *Book) InitiateWithdrawal(wallet string, amount decimal.Decimal) (Transaction, error) {
	if amount.LessThan(b.config.MinWithdrawal) {
		return Transaction{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, b.config.MinWithdrawal)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[wallet]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownMerchant, wallet)
	}
	if acct.Balance.LessThan(amount) {
		return Transaction{}, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, acct.Balance, amount)
	}

	now := b.now()
	txn := &Transaction{
		ID:          "wd_" + uuid.NewString(),
		Type:        TxWithdrawal,
		Amount:      amount,
		Fee:         b.Fee(amount),
		Currency:    "USDC",
		Status:      TxPending,
		Timestamp:   now,
		Description: "Settlement to bank account",
		CompletesAt: now.Add(b.config.WithdrawalDelay),
	}
	acct.Balance = acct.Balance.Sub(amount)
	acct.PendingBalance = acct.PendingBalance.Sub(amount)
	acct.history = append(acct.history, txn)
	b.all = append(b.all, txn)

	b.logger.Info("Withdrawal initiated",
		zap.String("account", acct.ID),
		zap.String("withdrawal_id", txn.ID),
		zap.String("amount", amount.String()),
		zap.Time("completes_at", txn.CompletesAt))
	return *txn, nil
}

// CompleteDue marks pending withdrawals whose due time has passed as completed.
func (b *Book) CompleteDue(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, txn := range b.all {
		if txn.Type == TxWithdrawal && txn.Status == TxPending && !now.Before(txn.CompletesAt) {
			txn.Status = TxCompleted
			n++
		}
	}
	if n > 0 {
		b.logger.Info("Withdrawals completed", zap.Int("count", n))
	}
	return n
}

// Fee is the settlement fee quoted for amount.
func (b *Book) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(b.config.FeeRate)
}

// Balance returns the account for wallet. An unknown wallet reads as an empty
// account; looking it up does not open one.
func (b *Book) Balance(wallet string) Account {
	b.mu.Lock()
	defer b.mu.Unlock()

	if acct, ok := b.accounts[wallet]; ok {
		return acct.Account
	}
	return emptyAccount(wallet)
}

// History returns the account's transactions in recording order.
func (b *Book) History(wallet string) []Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[wallet]
	if !ok {
		return []Transaction{}
	}
	out := make([]Transaction, 0, len(acct.history))
	for _, t := range acct.history {
		out = append(out, *t)
	}
	return out
}

func (b *Book) ensure(wallet string) *account {
	if acct, ok := b.accounts[wallet]; ok {
		return acct
	}
	acct := &account{Account: emptyAccount(wallet)}
	b.accounts[wallet] = acct
	return acct
}

func emptyAccount(wallet string) Account {
	return Account{
		ID:             AccountID(wallet),
		WalletAddress:  wallet,
		Balance:        decimal.Zero,
		PendingBalance: decimal.Zero,
		TotalEarnings:  decimal.Zero,
	}
}

func shorten(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8] + "..."
}
