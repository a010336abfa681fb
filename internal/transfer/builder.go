// internal/transfer/builder.go
package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	tokenprog "github.com/gagliardetto/solana-go/programs/token"
	"github.com/rovshanmuradov/blinkshop/internal/token"
	"github.com/shopspring/decimal"
)

var (
	ErrAddressInvalid          = errors.New("address invalid")
	ErrAmountInvalid           = errors.New("amount invalid")
	ErrTokenAccountUnavailable = errors.New("token account unavailable")
)

// Request is a single buyer intent to move Amount of Token from Sender to Recipient.
type Request struct {
	Token     string
	Amount    decimal.Decimal
	Sender    string
	Recipient string
	// Reference is an optional caller idempotency reference carried through to the result.
	Reference string
}

// Unsigned is a transfer ready to be wrapped in a transaction and signed by FeePayer.
type Unsigned struct {
	Instructions []solana.Instruction
	FeePayer     solana.PublicKey
	Recipient    solana.PublicKey
	Token        token.Descriptor
	Units        uint64
	// Accounts must already exist on-chain; the builder never creates them.
	Accounts  []solana.PublicKey
	Reference string
}

// Builder turns transfer requests into instructions. It performs no network I/O.
type Builder struct {
	catalog *token.Catalog
}

func NewBuilder(catalog *token.Catalog) *Builder {
	return &Builder{catalog: catalog}
}

// Build dispatches once on the token kind.
func (b *Builder) Build(req Request) (*Unsigned, error) {
	desc, err := b.catalog.Describe(req.Token)
	if err != nil {
		return nil, err
	}

	sender, err := ParseAddress(req.Sender)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := ParseAddress(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s must be greater than zero", ErrAmountInvalid, req.Amount)
	}
	units, err := desc.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmountInvalid, err)
	}
	if units == 0 {
		return nil, fmt.Errorf("%w: %s is below the smallest %s unit", ErrAmountInvalid, req.Amount, desc.Symbol)
	}

	out := &Unsigned{
		FeePayer:  sender,
		Recipient: recipient,
		Token:     desc,
		Units:     units,
		Reference: req.Reference,
	}

	switch desc.Kind {
	case token.KindNative:
		out.Instructions = []solana.Instruction{
			system.NewTransferInstruction(units, sender, recipient).Build(),
		}
	case token.KindAccountBased:
		srcATA, err := associatedAccount(sender, desc.Mint)
		if err != nil {
			return nil, fmt.Errorf("sender: %w", err)
		}
		dstATA, err := associatedAccount(recipient, desc.Mint)
		if err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		out.Instructions = []solana.Instruction{
			tokenprog.NewTransferInstruction(units, srcATA, dstATA, sender, nil).Build(),
		}
		out.Accounts = []solana.PublicKey{srcATA, dstATA}
	default:
		return nil, fmt.Errorf("%w: %s has kind %s", token.ErrUnknownToken, desc.Symbol, desc.Kind)
	}

	return out, nil
}

// ParseAddress parses a base58 on-chain address.
func ParseAddress(s string) (solana.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: empty", ErrAddressInvalid)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q: %v", ErrAddressInvalid, s, err)
	}
	if pk.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("%w: zero key", ErrAddressInvalid)
	}
	return pk, nil
}

func associatedAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: owner %s mint %s: %v", ErrTokenAccountUnavailable, owner, mint, err)
	}
	return ata, nil
}
