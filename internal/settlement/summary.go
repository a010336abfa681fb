// internal/settlement/summary.go
package settlement

import (
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/shopspring/decimal"
)

// statusUnknown counts payments the network reported without a known status.
const statusUnknown = "unknown"

// Summary totals what a settlement-network wallet has received.
type Summary struct {
	WalletID string `json:"wallet_id"`
	// TotalEarnings counts completed transfers.
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	// PendingBalance counts transfers still pending or in transit.
	PendingBalance decimal.Decimal `json:"pending_balance"`
	TotalPayments  int             `json:"total_payments"`
	ByStatus       map[string]int  `json:"by_status"`
}

// Summarize folds a wallet's payment list into earnings and pending totals.
// Settlements and other payment types are counted but never add to earnings.
func Summarize(walletID string, payments []Payment) Summary {
	s := Summary{
		WalletID:       walletID,
		TotalEarnings:  decimal.Zero,
		PendingBalance: decimal.Zero,
		TotalPayments:  len(payments),
		ByStatus:       make(map[string]int),
	}
	for _, p := range payments {
		status := string(p.Status)
		if status == "" {
			status = statusUnknown
		}
		s.ByStatus[status]++

		if p.Type != "transfer" {
			continue
		}
		switch p.Status {
		case ledger.SettlementCompleted:
			s.TotalEarnings = s.TotalEarnings.Add(p.Amount)
		case ledger.SettlementPending, ledger.SettlementInTransit:
			s.PendingBalance = s.PendingBalance.Add(p.Amount)
		}
	}
	return s
}
