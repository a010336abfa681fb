// internal/settlement/client.go
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	SandboxBaseURL    = "https://api.sandbox.circle.com/v1"
	ProductionBaseURL = "https://api.circle.com/v1"

	defaultTimeout       = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryDelay    = 200 * time.Millisecond
	defaultListLimit     = 50
	defaultBreakerTrips  = 5
	defaultBreakerPeriod = 30 * time.Second
	maxErrorBody         = 4 << 10
)

// Config represents settlement network client configuration
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single HTTP attempt.
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// RateLimit is requests per second; zero disables the limiter.
	RateLimit float64
	Burst     int
	// BreakerFailures consecutive transient failures open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is an HTTP JSON client for the settlement network.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewClient(config Config, logger *zap.Logger, m *metrics.Metrics) *Client {
	if config.BaseURL == "" {
		config.BaseURL = SandboxBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaultBreakerTrips
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaultBreakerPeriod
	}

	logger = logger.Named("settlement-client")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	trips := config.BreakerFailures
	st := gobreaker.Settings{
		Name:        "SettlementAPI",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		// Rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSettlementRejected) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(st),
		limiter:    limiter,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// GetFXQuote requests a rate-locked quote for amount.
func (c *Client) GetFXQuote(ctx context.Context, amount decimal.Decimal, sourceCurrency, destinationCurrency string) (*Quote, error) {
	body, err := c.call(ctx, "fx_quote", http.MethodPost, "/payments/fx/quotes", quoteRequestWire{
		Amount:              amount.String(),
		SourceCurrency:      sourceCurrency,
		DestinationCurrency: destinationCurrency,
	})
	if err != nil {
		return nil, err
	}
	w, err := decodeData[quoteWire](body)
	if err != nil {
		return nil, err
	}
	return normalizeQuote(w, amount, c.now()), nil
}

// CreatePayment creates a payment. Retries reuse req.IdempotencyKey.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrSettlementRejected)
	}
	body, err := c.call(ctx, "create_payment", http.MethodPost, "/payments", paymentRequestWire{
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount.String(),
		AmountInBase:   req.Amount.String(),
		Currency:       "USDC",
		Source:         walletRef{Type: "wallet", ID: req.SourceWalletID},
		Destination:    walletRef{Type: "wallet", Address: req.DestinationAddress},
		FXQuoteID:      req.FXQuoteID,
		Description:    req.Description,
	})
	if err != nil {
		return nil, err
	}
	w, err := decodeData[paymentWire](body)
	if err != nil {
		return nil, err
	}
	now := c.now()
	p := normalizePayment(w, "payment_"+formatMillis(now), "transfer", req.Amount, now)
	if p.FXQuoteID == "" {
		p.FXQuoteID = req.FXQuoteID
	}
	if p.Status == "" {
		p.Status = ledger.SettlementPending
	}
	return p, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	body, err := c.call(ctx, "get_payment", http.MethodGet, "/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeData[paymentWire](body)
	if err != nil {
		return nil, err
	}
	return normalizePayment(w, id, "transfer", decimal.Zero, c.now()), nil
}

// CreateSettlement requests a payout of a wallet balance to a bank account.
func (c *Client) CreateSettlement(ctx context.Context, req CreateSettlementRequest) (*Payment, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrSettlementRejected)
	}
	body, err := c.call(ctx, "create_settlement", http.MethodPost, "/settlements", settlementRequestWire{
		IdempotencyKey:           req.IdempotencyKey,
		WalletID:                 req.WalletID,
		Amount:                   req.Amount.String(),
		DestinationBankAccountID: req.BankAccountID,
		FXQuoteID:                req.FXQuoteID,
	})
	if err != nil {
		return nil, err
	}
	w, err := decodeData[paymentWire](body)
	if err != nil {
		return nil, err
	}
	now := c.now()
	p := normalizePayment(w, "settlement_"+formatMillis(now), "settlement", req.Amount, now)
	if p.Status == "" {
		p.Status = ledger.SettlementPending
	}
	return p, nil
}

func (c *Client) ListPayments(ctx context.Context, walletID string, limit int) ([]Payment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := url.Values{}
	if walletID != "" {
		q.Set("walletId", walletID)
	}
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.call(ctx, "list_payments", http.MethodGet, "/payments?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	ws, err := decodeData[[]paymentWire](body)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return []Payment{}, nil
	}
	now := c.now()
	out := make([]Payment, 0, len(*ws))
	for i := range *ws {
		out = append(out, *normalizePayment(&(*ws)[i], "", "transfer", decimal.Zero, now))
	}
	return out, nil
}

// decodeData accepts both {"data": {...}} and a bare object.
func decodeData[T any](body []byte) (*T, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var env envelope[T]
	if err := json.Unmarshal(body, &env); err == nil && env.Data != nil {
		return env.Data, nil
	}
	var bare T
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &bare, nil
}

func (c *Client) call(ctx context.Context, op, method, endpoint string, requestBody interface{}) ([]byte, error) {
	var body []byte
	err := c.metrics.MeasureSettlementCall(op, func() error {
		var err error
		body, err = c.doRequestWithRetry(ctx, op, method, endpoint, requestBody)
		return err
	})
	return body, err
}

// doRequestWithRetry performs the request with bounded exponential backoff.
// The request id stays the same across attempts.
func (c *Client) doRequestWithRetry(ctx context.Context, op, method, endpoint string, requestBody interface{}) ([]byte, error) {
	requestID := uuid.NewString()
	attempts := 0

	operation := func() ([]byte, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, method, endpoint, requestBody, requestID)
		})
		if err == nil {
			return res.([]byte), nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrSettlementRejected) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryDelay
	policy.MaxInterval = c.config.RetryDelay * 10

	notify := func(err error, d time.Duration) {
		c.logger.Warn("Settlement request failed, will retry",
			zap.String("request_id", requestID),
			zap.String("operation", op),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", d),
			zap.Error(err))
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.config.MaxAttempts)),
		backoff.WithNotify(notify))
	if err == nil {
		return body, nil
	}

	switch {
	case errors.Is(err, ErrSettlementRejected):
		c.logger.Warn("Settlement request rejected",
			zap.String("request_id", requestID),
			zap.String("operation", op),
			zap.Error(err))
		return nil, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetryExhausted, op, attempts, err)
	}
}

// doRequest performs a single HTTP request bounded by the per-attempt timeout.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, requestBody interface{}, requestID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reqBody io.Reader
	if requestBody != nil {
		jsonData, err := json.Marshal(requestBody)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("Received settlement API response",
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("statusCode", resp.StatusCode))

	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp, body, requestID)
	}
	return body, nil
}

func (c *Client) handleErrorResponse(resp *http.Response, body []byte, requestID string) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: requestID}

	var w errorWire
	if err := json.Unmarshal(body, &w); err == nil {
		apiErr.Message = w.Message
		if w.Code != nil {
			apiErr.Code = fmt.Sprint(w.Code)
		}
	} else if len(body) > 0 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		apiErr.Message = string(body)
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
