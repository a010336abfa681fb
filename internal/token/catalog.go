// internal/token/catalog.go
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrUnknownToken is returned when a symbol is not registered in the catalog.
var ErrUnknownToken = errors.New("unknown token")

// Kind says how a token moves on-chain.
type Kind int

const (
	// KindNative is a System Program transfer of lamports.
	KindNative Kind = iota + 1
	// KindAccountBased is an SPL Token transfer between token accounts.
	KindAccountBased
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindAccountBased:
		return "account_based"
	default:
		return "unknown"
	}
}

// Mainnet mints for the default catalog.
var (
	USDCMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	USDTMint = solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")
)

// Descriptor describes the transfer mechanics of a single token.
type Descriptor struct {
	Symbol   string
	Decimals int32
	Kind     Kind
	// Mint is the zero key for native tokens.
	Mint solana.PublicKey
}

// IsNative reports whether the token is the chain's base currency.
func (d Descriptor) IsNative() bool {
	return d.Kind == KindNative
}

// ToBaseUnits converts a human amount into integer units.
// The fractional remainder below the token precision is truncated toward zero.
func (d Descriptor) ToBaseUnits(amount decimal.Decimal) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("amount %s is not positive", amount)
	}
	units := amount.Shift(d.Decimals).Truncate(0).BigInt()
	if !units.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows %s base units", amount, d.Symbol)
	}
	return units.Uint64(), nil
}

// FromBaseUnits converts integer units back into a human amount.
func (d Descriptor) FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -d.Decimals)
}

// Catalog is a read-only registry of supported tokens, safe for concurrent use.
type Catalog struct {
	tokens map[string]Descriptor
}

// NewCatalog builds a catalog from descriptors. Symbols are matched case-insensitively.
func NewCatalog(descriptors ...Descriptor) (*Catalog, error) {
	tokens := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		key := strings.ToUpper(strings.TrimSpace(d.Symbol))
		if key == "" {
			return nil, errors.New("token symbol is empty")
		}
		if _, dup := tokens[key]; dup {
			return nil, fmt.Errorf("duplicate token symbol %q", key)
		}
		switch d.Kind {
		case KindNative:
			d.Mint = solana.PublicKey{}
		case KindAccountBased:
			if d.Mint.IsZero() {
				return nil, fmt.Errorf("token %s: account-based token requires a mint", key)
			}
		default:
			return nil, fmt.Errorf("token %s: unsupported kind %d", key, d.Kind)
		}
		if d.Decimals < 0 || d.Decimals > 18 {
			return nil, fmt.Errorf("token %s: invalid decimals %d", key, d.Decimals)
		}
		d.Symbol = key
		tokens[key] = d
	}
	return &Catalog{tokens: tokens}, nil
}

// DefaultCatalog returns SOL, USDC and USDT with mainnet mints.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Descriptor{Symbol: "SOL", Decimals: 9, Kind: KindNative},
		Descriptor{Symbol: "USDC", Decimals: 6, Kind: KindAccountBased, Mint: USDCMint},
		Descriptor{Symbol: "USDT", Decimals: 6, Kind: KindAccountBased, Mint: USDTMint},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Describe looks up a token by symbol.
func (c *Catalog) Describe(symbol string) (Descriptor, error) {
	d, ok := c.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownToken, symbol)
	}
	return d, nil
}

// Symbols returns the registered symbols in alphabetical order.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.tokens))
	for s := range c.tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
