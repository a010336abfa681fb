// internal/transaction/types.go
package transaction

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")
	ErrSubmissionFailed    = errors.New("transaction submission failed")
	ErrRetryExhausted      = errors.New("retries exhausted")
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
	ErrInvalidBlockhash    = errors.New("invalid blockhash")
	ErrInvalidInstruction  = errors.New("invalid instruction")
)

// Status is monotonic: pending moves to confirmed or failed, never back.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

type Config struct {
	// MaxRetries is the total number of send attempts.
	MaxRetries       int
	RetryDelay       time.Duration
	ConfirmationTime time.Duration
	PollInterval     time.Duration
	// PriorityFee is the compute unit price in micro-lamports; zero adds no budget instructions.
	PriorityFee      uint64
	ComputeUnits     uint32
	SkipPreflight    bool
	Commitment       rpc.CommitmentType
	MinConfirmations uint8
	// CheckAccounts verifies that required token accounts exist before signing.
	CheckAccounts bool
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryDelay:       500 * time.Millisecond,
		ConfirmationTime: 45 * time.Second,
		PollInterval:     500 * time.Millisecond,
		Commitment:       rpc.CommitmentConfirmed,
		MinConfirmations: 1,
		CheckAccounts:    true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ConfirmationTime <= 0 {
		c.ConfirmationTime = d.ConfirmationTime
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Commitment == "" {
		c.Commitment = d.Commitment
	}
	if c.MinConfirmations == 0 {
		c.MinConfirmations = d.MinConfirmations
	}
	return c
}

// Submitted is the result of one submission attempt.
type Submitted struct {
	Signature   solana.Signature
	Status      Status
	Slot        uint64
	ConfirmedAt time.Time
	Reference   string
	Error       string
}
