// internal/api/server.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rovshanmuradov/blinkshop/internal/checkout"
	"github.com/rovshanmuradov/blinkshop/internal/export"
	"github.com/rovshanmuradov/blinkshop/internal/listing"
	"github.com/rovshanmuradov/blinkshop/internal/merchant"
	"github.com/rovshanmuradov/blinkshop/internal/settlement"
	"go.uber.org/zap"
)

// Blinker renders the shareable form of a listing. *listing.Store implements it.
type Blinker interface {
	Blink(l *listing.Listing) listing.Blink
}

// Settlements exposes settlement attempts. *settlement.Orchestrator implements it.
type Settlements interface {
	Status(reference string) (settlement.Attempt, error)
	Refresh(ctx context.Context, reference string) (settlement.Attempt, error)
}

// NetworkPayments lists payments held at the settlement network. *settlement.Client implements it.
type NetworkPayments interface {
	ListPayments(ctx context.Context, walletID string, limit int) ([]settlement.Payment, error)
}

type Options struct {
	Checkout    *checkout.Service
	Blinks      Blinker
	Book        *merchant.Book
	Settlements Settlements
	Exporter    *export.PaymentExporter
	// Network backs /settlements/summary; nil disables the route.
	Network NetworkPayments
	// NetworkWalletID is the wallet summarized when the request names none.
	NetworkWalletID string
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the HTTP surface over listings, payments and settlements.
type Server struct {
	checkout    *checkout.Service
	blinks      Blinker
	book        *merchant.Book
	settlements Settlements
	exporter    *export.PaymentExporter
	network     NetworkPayments
	walletID    string
	logger      *zap.Logger
	engine      *gin.Engine
	started     time.Time
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	exporter := opts.Exporter
	if exporter == nil {
		exporter = export.NewPaymentExporter(logger)
	}

	s := &Server{
		checkout:    opts.Checkout,
		blinks:      opts.Blinks,
		book:        opts.Book,
		settlements: opts.Settlements,
		exporter:    exporter,
		network:     opts.Network,
		walletID:    opts.NetworkWalletID,
		logger:      logger.Named("api"),
		started:     time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), s.requestLogger())

	e.GET("/healthz", s.healthz)
	if opts.Gatherer != nil {
		h := promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
		e.GET("/metrics", gin.WrapH(h))
	}

	listings := e.Group("/listings")
	listings.GET("", s.listListings)
	listings.POST("", s.createListing)
	listings.GET("/:id", s.getListing)
	listings.DELETE("/:id", s.deleteListing)
	listings.GET("/:id/payments", s.listingPayments)
	listings.POST("/:id/payments", s.recordPayment)
	listings.GET("/:id/stats", s.listingStats)

	merchants := e.Group("/merchants/:address")
	merchants.GET("/payments", s.merchantPayments)
	merchants.GET("/payments/export", s.exportPayments)
	merchants.GET("/balance", s.balance)
	merchants.POST("/withdrawals", s.withdraw)

	e.GET("/settlements/:reference", s.settlementStatus)
	if opts.Network != nil {
		e.GET("/settlements/summary", s.settlementSummary)
	}

	s.engine = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("Request failed", fields...)
			return
		}
		s.logger.Debug("Request served", fields...)
	}
}
