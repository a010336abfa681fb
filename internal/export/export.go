package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExportFormat represents the export file format
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// ParseFormat accepts "csv" or "json", case-insensitively. Empty means CSV.
func ParseFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(s)) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ExportOptions configures the export behavior
type ExportOptions struct {
	Format      ExportFormat
	StartTime   time.Time
	EndTime     time.Time
	TokenFilter string // symbol, case-insensitive
	ListingID   string
	Status      ledger.SettlementStatus
}

// PaymentExporter writes ledger payment records as CSV or JSON.
type PaymentExporter struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewPaymentExporter(logger *zap.Logger) *PaymentExporter {
	return &PaymentExporter{
		logger: logger.Named("export"),
		now:    time.Now,
	}
}

// CSVHeaders is the column order of the CSV export.
func CSVHeaders() []string {
	return []string{
		"created_at", "signature", "listing_id", "buyer", "merchant",
		"token", "amount", "settlement_status", "settlement_ref",
	}
}

func csvRow(p ledger.PaymentRecord) []string {
	return []string{
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.Signature,
		p.ListingID,
		p.Buyer,
		p.Merchant,
		p.Token,
		p.Amount.String(),
		string(p.SettlementStatus),
		p.SettlementRef,
	}
}

// Export filters, orders by time and writes payments to w. It returns the
// number of records written. An empty selection still writes a header or an
// empty document.
func (pe *PaymentExporter) Export(w io.Writer, payments []ledger.PaymentRecord, options ExportOptions) (int, error) {
	filtered := pe.filterPayments(payments, options)

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	var err error
	switch options.Format {
	case FormatCSV, "":
		err = pe.exportToCSV(w, filtered)
	case FormatJSON:
		err = pe.exportToJSON(w, filtered)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, options.Format)
	}
	if err != nil {
		return 0, err
	}

	pe.logger.Debug("Payments exported",
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))
	return len(filtered), nil
}

func (pe *PaymentExporter) filterPayments(payments []ledger.PaymentRecord, options ExportOptions) []ledger.PaymentRecord {
	filtered := make([]ledger.PaymentRecord, 0, len(payments))

	for _, p := range payments {
		if !options.StartTime.IsZero() && p.CreatedAt.Before(options.StartTime) {
			continue
		}
		if !options.EndTime.IsZero() && !p.CreatedAt.Before(options.EndTime) {
			continue
		}
		if options.TokenFilter != "" && !strings.EqualFold(p.Token, options.TokenFilter) {
			continue
		}
		if options.ListingID != "" && p.ListingID != options.ListingID {
			continue
		}
		if options.Status != "" && p.SettlementStatus != options.Status {
			continue
		}
		filtered = append(filtered, p)
	}

	return filtered
}

func (pe *PaymentExporter) exportToCSV(w io.Writer, payments []ledger.PaymentRecord) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(CSVHeaders()); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, p := range payments {
		if err := writer.Write(csvRow(p)); err != nil {
			return fmt.Errorf("failed to write payment %s: %w", p.Signature, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func (pe *PaymentExporter) exportToJSON(w io.Writer, payments []ledger.PaymentRecord) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	exportData := struct {
		ExportTime   time.Time              `json:"export_time"`
		PaymentCount int                    `json:"payment_count"`
		Payments     []ledger.PaymentRecord `json:"payments"`
		Summary      ExportSummary          `json:"summary"`
	}{
		ExportTime:   pe.now().UTC(),
		PaymentCount: len(payments),
		Payments:     payments,
		Summary:      Summarize(payments),
	}

	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// TokenTotals is the volume received in one token.
type TokenTotals struct {
	Count  int             `json:"count"`
	Volume decimal.Decimal `json:"volume"`
}

// ExportSummary contains summary statistics for exported payments
type ExportSummary struct {
	TotalPayments  int                             `json:"total_payments"`
	UniqueListings int                             `json:"unique_listings"`
	UniqueBuyers   int                             `json:"unique_buyers"`
	ByToken        map[string]TokenTotals          `json:"by_token"`
	ByStatus       map[ledger.SettlementStatus]int `json:"by_status"`
	StartDate      time.Time                       `json:"start_date"`
	EndDate        time.Time                       `json:"end_date"`
}

// Summarize totals payments per token and per settlement status. Amounts in
// different tokens are never added together.
func Summarize(payments []ledger.PaymentRecord) ExportSummary {
	summary := ExportSummary{
		TotalPayments: len(payments),
		ByToken:       make(map[string]TokenTotals),
		ByStatus:      make(map[ledger.SettlementStatus]int),
	}
	if len(payments) == 0 {
		return summary
	}

	listings := make(map[string]struct{})
	buyers := make(map[string]struct{})
	summary.StartDate = payments[0].CreatedAt
	summary.EndDate = payments[0].CreatedAt

	for _, p := range payments {
		listings[p.ListingID] = struct{}{}
		buyers[p.Buyer] = struct{}{}

		totals := summary.ByToken[p.Token]
		totals.Count++
		totals.Volume = totals.Volume.Add(p.Amount)
		summary.ByToken[p.Token] = totals
		summary.ByStatus[p.SettlementStatus]++

		if p.CreatedAt.Before(summary.StartDate) {
			summary.StartDate = p.CreatedAt
		}
		if p.CreatedAt.After(summary.EndDate) {
			summary.EndDate = p.CreatedAt
		}
	}

	summary.UniqueListings = len(listings)
	summary.UniqueBuyers = len(buyers)
	return summary
}
