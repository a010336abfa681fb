package settlement

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	payments := []Payment{
		{ID: "a", Type: "transfer", Status: ledger.SettlementCompleted, Amount: decimal.NewFromInt(25)},
		{ID: "b", Type: "transfer", Status: ledger.SettlementCompleted, Amount: decimal.RequireFromString("12.5")},
		{ID: "c", Type: "transfer", Status: ledger.SettlementPending, Amount: decimal.NewFromInt(4)},
		{ID: "d", Type: "transfer", Status: ledger.SettlementInTransit, Amount: decimal.NewFromInt(6)},
		{ID: "e", Type: "transfer", Status: ledger.SettlementFailed, Amount: decimal.NewFromInt(100)},
		{ID: "f", Type: "settlement", Status: ledger.SettlementCompleted, Amount: decimal.NewFromInt(30)},
		{ID: "g", Type: "transfer", Amount: decimal.NewFromInt(7)},
	}

	s := Summarize("w-1", payments)
	assert.Equal(t, "w-1", s.WalletID)
	assert.Equal(t, 7, s.TotalPayments)
	assert.True(t, s.TotalEarnings.Equal(decimal.RequireFromString("37.5")), s.TotalEarnings.String())
	assert.True(t, s.PendingBalance.Equal(decimal.NewFromInt(10)), s.PendingBalance.String())
	assert.Equal(t, map[string]int{
		"completed":  3,
		"pending":    1,
		"in_transit": 1,
		"failed":     1,
		"unknown":    1,
	}, s.ByStatus)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize("w-1", nil)
	assert.Zero(t, s.TotalPayments)
	assert.True(t, s.TotalEarnings.IsZero())
	assert.True(t, s.PendingBalance.IsZero())
	assert.Empty(t, s.ByStatus)
}

func TestSummarizeListedPayments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "w-1", r.URL.Query().Get("walletId"))
		w.Write([]byte(`{"data":[
			{"id":"a","type":"transfer","status":"complete","amount":"20"},
			{"id":"b","type":"transfer","status":"pending","amount":"5"},
			{"id":"c","status":"running","amount":"1"}
		]}`))
	}))
	defer srv.Close()

	ps, err := newTestClient(t, srv.URL).ListPayments(context.Background(), "w-1", 0)
	require.NoError(t, err)

	s := Summarize("w-1", ps)
	assert.Equal(t, 3, s.TotalPayments)
	assert.True(t, s.TotalEarnings.Equal(decimal.NewFromInt(20)))
	assert.True(t, s.PendingBalance.Equal(decimal.NewFromInt(6)), "untyped payments default to transfers")
}
