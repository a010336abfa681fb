// internal/api/handlers.go
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rovshanmuradov/blinkshop/internal/checkout"
	"github.com/rovshanmuradov/blinkshop/internal/export"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/listing"
	"github.com/rovshanmuradov/blinkshop/internal/merchant"
	"github.com/rovshanmuradov/blinkshop/internal/settlement"
	"github.com/rovshanmuradov/blinkshop/internal/transaction"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *settlement.APIError
	switch {
	case errors.Is(err, listing.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownListing),
		errors.Is(err, settlement.ErrUnknownAttempt),
		errors.Is(err, merchant.ErrUnknownMerchant):
		return http.StatusNotFound
	case errors.Is(err, merchant.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrDuplicatePayment):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrNotConfirmed):
		return http.StatusTooEarly
	case errors.Is(err, transaction.ErrTransactionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, merchant.ErrBelowMinimum),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}

	switch checkout.Classify(err) {
	case checkout.ClassInput:
		return http.StatusBadRequest
	case checkout.ClassTransient:
		return http.StatusServiceUnavailable
	case checkout.ClassCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	_ = c.Error(err)

	body := gin.H{"error": err.Error()}
	var verr *listing.ValidationError
	if errors.As(err, &verr) {
		body["field"] = verr.Field
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request error", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = http.StatusText(code)
	}
	c.AbortWithStatusJSON(code, body)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listListings(c *gin.Context) {
	items, err := s.checkout.ListListings(c.Request.Context(), c.Query("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": items, "count": len(items)})
}

func (s *Server) createListing(c *gin.Context) {
	var d listing.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	item, err := s.checkout.CreateListing(c.Request.Context(), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.blinks.Blink(item))
}

func (s *Server) getListing(c *gin.Context) {
	item, err := s.checkout.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.blinks.Blink(item))
}

func (s *Server) deleteListing(c *gin.Context) {
	if err := s.checkout.DeleteListing(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listingPayments(c *gin.Context) {
	payments := s.checkout.ListingPayments(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

type confirmedPaymentRequest struct {
	Signature string          `json:"signature" binding:"required"`
	Buyer     string          `json:"buyer" binding:"required"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// recordPayment records a purchase the buyer's wallet already sent. The
// signature is checked on-chain first; until it is confirmed nothing is recorded.
func (s *Server) recordPayment(c *gin.Context) {
	var req confirmedPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Token == "" {
		req.Token = "USDC"
	}

	res, err := s.checkout.RecordConfirmed(c.Request.Context(), checkout.ConfirmedPayment{
		ListingID: c.Param("id"),
		Signature: req.Signature,
		Buyer:     req.Buyer,
		Token:     req.Token,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) listingStats(c *gin.Context) {
	agg, err := s.checkout.ListingStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) merchantPayments(c *gin.Context) {
	payments := s.checkout.MerchantPayments(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"summary":  export.Summarize(payments),
	})
}

// exportPayments streams a merchant's payments as CSV (default) or JSON.
// Optional filters: token, listing, status, from and to (RFC 3339).
func (s *Server) exportPayments(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		s.fail(c, err)
		return
	}
	opts := export.ExportOptions{
		Format:      format,
		TokenFilter: c.Query("token"),
		ListingID:   c.Query("listing"),
		Status:      ledger.SettlementStatus(c.Query("status")),
	}
	for param, dst := range map[string]*time.Time{"from": &opts.StartTime, "to": &opts.EndTime} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s: %v", param, err)})
			return
		}
		*dst = t
	}

	address := c.Param("address")
	contentType := "text/csv; charset=utf-8"
	if format == export.FormatJSON {
		contentType = "application/json; charset=utf-8"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "payments_"+merchant.AccountID(address)+"."+string(format)))
	c.Status(http.StatusOK)

	if _, err := s.exporter.Export(c.Writer, s.checkout.MerchantPayments(address), opts); err != nil {
		// Headers are gone; the truncated body is all the client gets.
		s.logger.Error("Export failed", zap.String("merchant", address), zap.Error(err))
	}
}

func (s *Server) balance(c *gin.Context) {
	address := c.Param("address")
	c.JSON(http.StatusOK, gin.H{
		"account":      s.book.Balance(address),
		"transactions": s.book.History(address),
	})
}

type withdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) withdraw(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	txn, err := s.book.InitiateWithdrawal(c.Param("address"), req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, txn)
}

// settlementStatus accepts a payment signature or a settlement payment id.
// With refresh=true the network is polled first.
func (s *Server) settlementStatus(c *gin.Context) {
	ref := c.Param("reference")

	var (
		att settlement.Attempt
		err error
	)
	if c.Query("refresh") == "true" {
		att, err = s.settlements.Refresh(c.Request.Context(), ref)
	} else {
		att, err = s.settlements.Status(ref)
	}
	if err != nil && att.Reference == "" {
		s.fail(c, err)
		return
	}

	body := gin.H{"settlement": att}
	if err != nil {
		body["refresh_error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// settlementSummary totals the settlement-network wallet's payments: completed
// earnings and the balance still pending. wallet_id and limit are optional.
func (s *Server) settlementSummary(c *gin.Context) {
	walletID := c.DefaultQuery("wallet_id", s.walletID)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	payments, err := s.network.ListPayments(c.Request.Context(), walletID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":  settlement.Summarize(walletID, payments),
		"payments": payments,
	})
}
