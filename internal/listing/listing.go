// internal/listing/listing.go
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/rovshanmuradov/blinkshop/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("listing not found")
)

const (
	keyPrefix      = "listing:"
	DefaultBaseURL = "https://blinkshop.app/buy/"
)

// ValidationError names the first draft field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Listing is a merchant's sellable item. Immutable once created.
type Listing struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url"`
	Owner       string          `json:"owner"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Draft is the merchant input for a new listing.
type Draft struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description" validate:"required"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url" validate:"required"`
	Owner       string          `json:"owner" validate:"required,solana_address"`
}

type OGMeta struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// Blink is the shareable form of a listing.
type Blink struct {
	ID      string   `json:"id"`
	Listing *Listing `json:"product"`
	URL     string   `json:"blink_url"`
	OGMeta  OGMeta   `json:"og_meta"`
}

type Store struct {
	kv       storage.KV
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	baseURL  string
	now      func() time.Time

	// createMu serializes id allocation within the process.
	createMu sync.Mutex
}

func NewStore(kv storage.KV, baseURL string, logger *zap.Logger, m *metrics.Metrics) *Store {
	v := validator.New()
	// Ошибка возможна только при пустом имени тега.
	_ = v.RegisterValidation("solana_address", validateAddressTag)

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Store{
		kv:       kv,
		logger:   logger.Named("listing-store"),
		metrics:  m,
		validate: v,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

// Create validates the draft and stores a new listing.
func (s *Store) Create(ctx context.Context, d Draft) (*Listing, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	d.ImageURL = strings.TrimSpace(d.ImageURL)
	d.Owner = strings.TrimSpace(d.Owner)

	if err := s.check(d); err != nil {
		return nil, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	created := s.now().UTC()
	id, err := s.allocateID(ctx, d.Name, created)
	if err != nil {
		return nil, err
	}

	l := &Listing{
		ID:          id,
		Name:        d.Name,
		Description: d.Description,
		Price:       d.Price,
		ImageURL:    d.ImageURL,
		Owner:       d.Owner,
		CreatedAt:   created,
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode listing: %w", err)
	}
	if err := s.kv.Put(ctx, keyPrefix+id, data); err != nil {
		return nil, fmt.Errorf("failed to store listing %s: %w", id, err)
	}

	s.metrics.ListingsChanged(1)
	s.logger.Info("Listing created",
		zap.String("listing_id", id),
		zap.String("owner", l.Owner),
		zap.String("price", l.Price.String()))
	return l, nil
}

func (s *Store) check(d Draft) error {
	if err := s.validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Field: jsonName(fe.Field()), Message: tagMessage(fe.Tag(), fe.Field())}
		}
		return &ValidationError{Field: "draft", Message: err.Error()}
	}
	if !d.Price.IsPositive() {
		return &ValidationError{Field: "price", Message: "must be greater than 0"}
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "ImageURL":
		return "image_url"
	default:
		return strings.ToLower(field)
	}
}

func tagMessage(tag, field string) string {
	switch tag {
	case "required":
		return "is required"
	case "solana_address":
		return "is not a valid wallet address"
	default:
		return fmt.Sprintf("failed %q check", tag)
	}
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	nonSlug       = regexp.MustCompile(`[^a-z0-9-]`)
)

// Slug lowercases name, turns whitespace runs into dashes and drops everything else.
func Slug(name string) string {
	s := whitespaceRun.ReplaceAllString(strings.ToLower(name), "-")
	return nonSlug.ReplaceAllString(s, "")
}

// NewID returns blink-<slug>-<base36 unix millis>.
func NewID(name string, at time.Time) string {
	return fmt.Sprintf("blink-%s-%s", Slug(name), strconv.FormatInt(at.UnixMilli(), 36))
}

func (s *Store) allocateID(ctx context.Context, name string, at time.Time) (string, error) {
	for i := 0; i < 1000; i++ {
		id := NewID(name, at.Add(time.Duration(i)*time.Millisecond))
		_, err := s.kv.Get(ctx, keyPrefix+id)
		if errors.Is(err, storage.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check listing id %s: %w", id, err)
		}
	}
	return "", fmt.Errorf("no free listing id for %q", name)
}

func (s *Store) Get(ctx context.Context, id string) (*Listing, error) {
	data, err := s.kv.Get(ctx, keyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read listing %s: %w", id, err)
	}
	var l Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to decode listing %s: %w", id, err)
	}
	return &l, nil
}

// List returns listings newest first. An empty owner returns all listings.
func (s *Store) List(ctx context.Context, owner string) ([]*Listing, error) {
	raw, err := s.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}

	out := make([]*Listing, 0, len(raw))
	for _, data := range raw {
		var l Listing
		if err := json.Unmarshal(data, &l); err != nil {
			s.logger.Warn("Skipping undecodable listing", zap.Error(err))
			continue
		}
		if owner != "" && l.Owner != owner {
			continue
		}
		out = append(out, &l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SyncGauge sets the listings gauge to the number of listings already in
// storage, so a restarted process reports listings it did not create.
func (s *Store) SyncGauge(ctx context.Context) (int, error) {
	raw, err := s.kv.Scan(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	s.metrics.SetListings(len(raw))
	return len(raw), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, keyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete listing %s: %w", id, err)
	}
	s.metrics.ListingsChanged(-1)
	s.logger.Info("Listing deleted", zap.String("listing_id", id))
	return nil
}

// Blink builds the shareable URL and preview metadata for a listing.
func (s *Store) Blink(l *Listing) Blink {
	return Blink{
		ID:      l.ID,
		Listing: l,
		URL:     s.baseURL + l.ID,
		OGMeta: OGMeta{
			Title:       fmt.Sprintf("Buy %s on BlinkShop - %s USDC", l.Name, l.Price.String()),
			Description: l.Description,
			Image:       l.ImageURL,
		},
	}
}
