// internal/api/server_test.go
package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain"
	"github.com/rovshanmuradov/blinkshop/internal/checkout"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/listing"
	"github.com/rovshanmuradov/blinkshop/internal/merchant"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/rovshanmuradov/blinkshop/internal/settlement"
	"github.com/rovshanmuradov/blinkshop/internal/storage"
	"github.com/rovshanmuradov/blinkshop/internal/token"
	"github.com/rovshanmuradov/blinkshop/internal/transaction"
	"github.com/rovshanmuradov/blinkshop/internal/transfer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSettlements struct {
	attempts   map[string]settlement.Attempt
	refreshErr error
	refreshed  []string
}

func (f *fakeSettlements) Status(ref string) (settlement.Attempt, error) {
	att, ok := f.attempts[ref]
	if !ok {
		return settlement.Attempt{}, fmt.Errorf("%w: %s", settlement.ErrUnknownAttempt, ref)
	}
	return att, nil
}

func (f *fakeSettlements) Refresh(_ context.Context, ref string) (settlement.Attempt, error) {
	f.refreshed = append(f.refreshed, ref)
	att, err := f.Status(ref)
	if err != nil {
		return att, err
	}
	return att, f.refreshErr
}

// fakeChain reports every signature in statuses; unknown signatures are not found.
type fakeChain struct {
	mu       sync.Mutex
	statuses map[solana.Signature]*blockchain.SignatureStatus
}

func (f *fakeChain) GetRecentBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{1}, nil
}

func (f *fakeChain) SendTransactionWithOpts(context.Context, *solana.Transaction, blockchain.TransactionOptions) (solana.Signature, error) {
	return solana.Signature{}, errors.New("fake chain does not accept transactions")
}

func (f *fakeChain) GetSignatureStatus(_ context.Context, sig solana.Signature) (*blockchain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[sig], nil
}

func (f *fakeChain) AccountExists(context.Context, solana.PublicKey) (bool, error) {
	return true, nil
}

func (f *fakeChain) land(sig solana.Signature, status rpc.ConfirmationStatusType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = &blockchain.SignatureStatus{Slot: 77, ConfirmationStatus: status}
}

// fakeNetwork has no FX desk, so settlement always falls back to the book.
type fakeNetwork struct {
	payments []settlement.Payment
	listErr  error
	wallets  []string
}

func (f *fakeNetwork) GetFXQuote(context.Context, decimal.Decimal, string, string) (*settlement.Quote, error) {
	return nil, settlement.ErrSettlementUnavailable
}

func (f *fakeNetwork) CreatePayment(context.Context, settlement.CreatePaymentRequest) (*settlement.Payment, error) {
	return nil, settlement.ErrSettlementUnavailable
}

func (f *fakeNetwork) CreateSettlement(context.Context, settlement.CreateSettlementRequest) (*settlement.Payment, error) {
	return nil, settlement.ErrSettlementUnavailable
}

func (f *fakeNetwork) GetPayment(context.Context, string) (*settlement.Payment, error) {
	return nil, settlement.ErrSettlementUnavailable
}

func (f *fakeNetwork) ListPayments(_ context.Context, walletID string, limit int) ([]settlement.Payment, error) {
	f.wallets = append(f.wallets, walletID)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.payments, nil
}

type testEnv struct {
	handler     http.Handler
	ledger      *ledger.Ledger
	book        *merchant.Book
	settlements *fakeSettlements
	chain       *fakeChain
	network     *fakeNetwork
	merchant    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := listing.NewStore(storage.NewMemory(), "https://shop.test/buy", logger, m)
	l := ledger.New(logger, m)
	book := merchant.NewBook(merchant.DefaultConfig(), logger)
	chain := &fakeChain{statuses: map[solana.Signature]*blockchain.SignatureStatus{}}
	manager := transaction.NewManager(chain, logger, transaction.Config{
		RetryDelay:       time.Millisecond,
		ConfirmationTime: 50 * time.Millisecond,
		PollInterval:     time.Millisecond,
	}, m)
	network := &fakeNetwork{}
	orchestrator := settlement.NewOrchestrator(network, book, l, settlement.OrchestratorConfig{
		SourceWalletID: "w-default",
		CallTimeout:    time.Second,
	}, logger, m)
	svc := checkout.NewService(store, l, transfer.NewBuilder(token.DefaultCatalog()), manager, orchestrator, logger)
	settlements := &fakeSettlements{attempts: map[string]settlement.Attempt{}}

	srv := NewServer(Options{
		Checkout:        svc,
		Blinks:          store,
		Book:            book,
		Settlements:     settlements,
		Network:         network,
		NetworkWalletID: "w-default",
		Gatherer:        reg,
		Logger:          logger,
	})
	return &testEnv{
		handler:     srv.Handler(),
		ledger:      l,
		book:        book,
		settlements: settlements,
		chain:       chain,
		network:     network,
		merchant:    solana.NewWallet().PublicKey().String(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (e *testEnv) createListing(t *testing.T, name, price string) listing.Blink {
	t.Helper()
	w := e.do(t, http.MethodPost, "/listings", map[string]string{
		"name":        name,
		"description": "Handmade",
		"price":       price,
		"image_url":   "https://example.com/x.png",
		"owner":       e.merchant,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var b listing.Blink
	decode(t, w, &b)
	return b
}

func (e *testEnv) pay(t *testing.T, listingID, sig, amount, tok string) {
	t.Helper()
	_, err := e.ledger.RecordPayment(ledger.PaymentInput{
		ListingID: listingID,
		Buyer:     "buyer-" + sig,
		Merchant:  e.merchant,
		Amount:    decimal.RequireFromString(amount),
		Token:     tok,
		Signature: sig,
	})
	require.NoError(t, err)
}

func TestListingLifecycle(t *testing.T) {
	env := newTestEnv(t)

	blink := env.createListing(t, "Coffee Mug", "25")
	assert.True(t, strings.HasPrefix(blink.ID, "blink-coffee-mug-"))
	assert.Equal(t, "https://shop.test/buy/"+blink.ID, blink.URL)
	assert.Contains(t, blink.OGMeta.Title, "Coffee Mug")

	w := env.do(t, http.MethodGet, "/listings/"+blink.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got listing.Blink
	decode(t, w, &got)
	assert.Equal(t, blink.ID, got.Listing.ID)
	assert.True(t, got.Listing.Price.Equal(decimal.NewFromInt(25)))

	w = env.do(t, http.MethodGet, "/listings?owner="+env.merchant, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	env.pay(t, blink.ID, "sig-1", "25", "USDC")

	w = env.do(t, http.MethodDelete, "/listings/"+blink.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/listings/"+blink.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Records survive the listing.
	w = env.do(t, http.MethodGet, "/listings/"+blink.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var payments struct {
		Count int `json:"count"`
	}
	decode(t, w, &payments)
	assert.Equal(t, 1, payments.Count)
}

func TestCreateListingValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/listings", map[string]string{
		"name":        "Mug",
		"description": "x",
		"price":       "5",
		"image_url":   "https://example.com/x.png",
		"owner":       "short",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "owner", body["field"])

	req := httptest.NewRequest(http.MethodPost, "/listings", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListingStats(t *testing.T) {
	env := newTestEnv(t)
	blink := env.createListing(t, "Poster", "10")
	env.pay(t, blink.ID, "sig-1", "10", "USDC")
	env.pay(t, blink.ID, "sig-2", "10", "USDC")

	w := env.do(t, http.MethodGet, "/listings/"+blink.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agg ledger.Aggregate
	decode(t, w, &agg)
	assert.Equal(t, int64(2), agg.SaleCount)
	assert.True(t, agg.Revenue.Equal(decimal.NewFromInt(20)))

	w = env.do(t, http.MethodGet, "/listings/blink-missing-1/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMerchantPaymentsAndExport(t *testing.T) {
	env := newTestEnv(t)
	blink := env.createListing(t, "Hat", "3")
	env.pay(t, blink.ID, "sig-1", "3", "USDC")
	env.pay(t, blink.ID, "sig-2", "0.02", "SOL")

	w := env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Payments []ledger.PaymentRecord `json:"payments"`
		Summary  struct {
			TotalPayments int `json:"total_payments"`
		} `json:"summary"`
	}
	decode(t, w, &body)
	assert.Len(t, body.Payments, 2)
	assert.Equal(t, 2, body.Summary.TotalPayments)

	w = env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/payments/export?token=usdc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "sig-1", rows[1][1])

	w = env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/payments/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/payments/export?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBalanceAndWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.book.RecordPayment(context.Background(), merchant.PaymentInput{
		Merchant:  env.merchant,
		Buyer:     "buyer",
		ListingID: "blink-x-1",
		Amount:    decimal.NewFromInt(50),
		Signature: "sig-1",
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Account      merchant.Account       `json:"account"`
		Transactions []merchant.Transaction `json:"transactions"`
	}
	decode(t, w, &bal)
	assert.True(t, bal.Account.Balance.Equal(decimal.NewFromInt(50)))
	assert.Len(t, bal.Transactions, 1)

	tests := []struct {
		name   string
		amount string
		code   int
	}{
		{"below minimum", "5", http.StatusBadRequest},
		{"more than balance", "80", http.StatusConflict},
		{"accepted", "20", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/merchants/"+env.merchant+"/withdrawals", map[string]string{"amount": tt.amount})
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	w = env.do(t, http.MethodPost, "/merchants/unknown-wallet/withdrawals", map[string]string{"amount": "20"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettlementStatus(t *testing.T) {
	env := newTestEnv(t)
	env.settlements.attempts["sig-1"] = settlement.Attempt{
		Reference: "sig-1",
		State:     settlement.StateSettlementCreated,
		Status:    ledger.SettlementInTransit,
		PaymentID: "pay-1",
	}

	w := env.do(t, http.MethodGet, "/settlements/sig-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Settlement   settlement.Attempt `json:"settlement"`
		RefreshError string             `json:"refresh_error"`
	}
	decode(t, w, &body)
	assert.Equal(t, "pay-1", body.Settlement.PaymentID)
	assert.Empty(t, env.settlements.refreshed)

	env.settlements.refreshErr = settlement.ErrSettlementUnavailable
	w = env.do(t, http.MethodGet, "/settlements/sig-1?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &body)
	assert.Equal(t, []string{"sig-1"}, env.settlements.refreshed)
	assert.Contains(t, body.RefreshError, "unavailable")

	w = env.do(t, http.MethodGet, "/settlements/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	blink := env.createListing(t, "Sticker", "1")
	env.pay(t, blink.ID, "sig-1", "1", "USDC")

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `blinkshop_payments_recorded_total{token="USDC"} 1`)
	assert.Contains(t, w.Body.String(), "blinkshop_listings 1")
}

func TestRecordConfirmedPayment(t *testing.T) {
	env := newTestEnv(t)
	blink := env.createListing(t, "Poster", "15")
	buyer := solana.NewWallet().PublicKey().String()
	sig := solana.Signature{7, 1, 3}
	path := "/listings/" + blink.ID + "/payments"
	body := map[string]string{"signature": sig.String(), "buyer": buyer}

	w := env.do(t, http.MethodPost, path, body)
	assert.Equal(t, http.StatusTooEarly, w.Code, w.Body.String())
	assert.Empty(t, env.ledger.TransactionsForListing(blink.ID))

	env.chain.land(sig, rpc.ConfirmationStatusConfirmed)
	w = env.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res checkout.Result
	decode(t, w, &res)
	assert.Equal(t, sig.String(), res.Signature)
	assert.Equal(t, uint64(77), res.Slot)
	assert.Equal(t, "USDC", res.Token)
	assert.True(t, res.Settlement.Degraded)
	assert.Equal(t, ledger.SettlementCompleted, res.Status)

	w = env.do(t, http.MethodPost, path, body)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var payments struct {
		Payments []ledger.PaymentRecord `json:"payments"`
	}
	decode(t, w, &payments)
	require.Len(t, payments.Payments, 1)
	got := payments.Payments[0]
	assert.Equal(t, sig.String(), got.Signature)
	assert.Equal(t, buyer, got.Buyer)
	assert.Equal(t, blink.ID, got.ListingID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, ledger.SettlementCompleted, got.SettlementStatus)

	w = env.do(t, http.MethodGet, "/merchants/"+env.merchant+"/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Account merchant.Account `json:"account"`
	}
	decode(t, w, &bal)
	assert.True(t, bal.Account.TotalEarnings.Equal(decimal.NewFromInt(15)))
}

func TestRecordConfirmedPaymentRejects(t *testing.T) {
	env := newTestEnv(t)
	blink := env.createListing(t, "Poster", "15")
	buyer := solana.NewWallet().PublicKey().String()
	failed := solana.Signature{6, 6}
	env.chain.mu.Lock()
	env.chain.statuses[failed] = &blockchain.SignatureStatus{Slot: 9, Err: "InstructionError"}
	env.chain.mu.Unlock()

	tests := []struct {
		name string
		path string
		body interface{}
		code int
	}{
		{"missing signature", "/listings/" + blink.ID + "/payments", map[string]string{"buyer": buyer}, http.StatusBadRequest},
		{"malformed signature", "/listings/" + blink.ID + "/payments", map[string]string{"signature": "xyz", "buyer": buyer}, http.StatusBadRequest},
		{"failed on-chain", "/listings/" + blink.ID + "/payments", map[string]string{"signature": failed.String(), "buyer": buyer}, http.StatusUnprocessableEntity},
		{"unknown listing", "/listings/blink-nope-1/payments", map[string]string{"signature": failed.String(), "buyer": buyer}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, env.ledger.TransactionsForListing(blink.ID))
}

func TestSettlementSummary(t *testing.T) {
	env := newTestEnv(t)
	env.network.payments = []settlement.Payment{
		{ID: "a", Type: "transfer", Status: ledger.SettlementCompleted, Amount: decimal.NewFromInt(40)},
		{ID: "b", Type: "transfer", Status: ledger.SettlementPending, Amount: decimal.NewFromInt(5)},
	}

	w := env.do(t, http.MethodGet, "/settlements/summary", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Summary  settlement.Summary   `json:"summary"`
		Payments []settlement.Payment `json:"payments"`
	}
	decode(t, w, &body)
	assert.Equal(t, "w-default", body.Summary.WalletID)
	assert.True(t, body.Summary.TotalEarnings.Equal(decimal.NewFromInt(40)))
	assert.True(t, body.Summary.PendingBalance.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 2, body.Summary.TotalPayments)
	assert.Len(t, body.Payments, 2)

	w = env.do(t, http.MethodGet, "/settlements/summary?wallet_id=w-2&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"w-default", "w-2"}, env.network.wallets)

	w = env.do(t, http.MethodGet, "/settlements/summary?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.network.listErr = fmt.Errorf("%w: %w", settlement.ErrRetryExhausted, settlement.ErrSettlementUnavailable)
	w = env.do(t, http.MethodGet, "/settlements/summary", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{listing.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", ledger.ErrUnknownListing), http.StatusNotFound},
		{transfer.ErrAmountInvalid, http.StatusBadRequest},
		{settlement.ErrRetryExhausted, http.StatusServiceUnavailable},
		{&settlement.APIError{StatusCode: 422}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("wrap: %w", ledger.ErrDuplicatePayment), http.StatusConflict},
		{checkout.ErrNotConfirmed, http.StatusTooEarly},
		{transaction.ErrTransactionRejected, http.StatusUnprocessableEntity},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
