// internal/transaction/manager.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/rovshanmuradov/blinkshop/internal/transfer"
	"github.com/rovshanmuradov/blinkshop/internal/wallet"
	"go.uber.org/zap"
)

// Manager signs, sends and confirms built transfers. It holds no per-payment state.
type Manager struct {
	client    blockchain.Client
	logger    *zap.Logger
	config    Config
	validator *Validator
	monitor   *Monitor
	metrics   *metrics.Metrics
}

func NewManager(client blockchain.Client, logger *zap.Logger, config Config, m *metrics.Metrics) *Manager {
	config = config.withDefaults()
	return &Manager{
		client:    client,
		logger:    logger.Named("tx-manager"),
		config:    config,
		validator: NewValidator(logger),
		monitor:   NewMonitor(client, logger, config),
		metrics:   m,
	}
}

// Submit runs account check, signing, send and confirmation for one transfer.
// Nothing is retried after the signer has been asked except the send itself.
func (tm *Manager) Submit(ctx context.Context, u *transfer.Unsigned, signer wallet.Signer) (*Submitted, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: no signer", wallet.ErrSignerUnavailable)
	}
	if !signer.PublicKey().Equals(u.FeePayer) {
		return nil, fmt.Errorf("%w: signer %s is not the sender %s",
			wallet.ErrSignerUnavailable, signer.PublicKey(), u.FeePayer)
	}

	if tm.config.CheckAccounts {
		if err := tm.checkAccounts(ctx, u.Accounts); err != nil {
			return nil, err
		}
	}

	tx, err := tm.prepare(ctx, u)
	if err != nil {
		return nil, err
	}

	if err := signer.Sign(ctx, tx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, wallet.ErrSignerRejected) && !errors.Is(err, wallet.ErrSignerUnavailable) {
			err = fmt.Errorf("%w: %v", wallet.ErrSignerUnavailable, err)
		}
		tm.logger.Info("Signer declined transaction", zap.Error(err))
		return nil, err
	}

	if err := tm.validator.ValidateTransaction(tx); err != nil {
		tm.logger.Error("Transaction validation failed", zap.Error(err))
		return nil, err
	}

	start := time.Now()
	signature, err := tm.sendWithRetry(ctx, tx)
	if err != nil {
		tm.metrics.TxSubmitted(outcomeOf(err))
		tm.logger.Error("Failed to send transaction", zap.Error(err))
		return nil, err
	}

	status, err := tm.monitor.AwaitConfirmation(ctx, signature)
	if err != nil {
		tm.metrics.TxSubmitted(outcomeOf(err))
		tm.logger.Error("Transaction confirmation failed",
			zap.String("signature", signature.String()),
			zap.Error(err))
		if status != nil {
			status.Reference = u.Reference
		}
		return status, err
	}
	tm.metrics.ObserveConfirmation(start)
	tm.metrics.TxSubmitted("confirmed")

	status.Reference = u.Reference
	tm.logger.Info("Transaction confirmed",
		zap.String("signature", signature.String()),
		zap.Uint64("slot", status.Slot),
		zap.String("token", u.Token.Symbol),
		zap.Uint64("units", u.Units))
	return status, nil
}

// Status returns the current status of a previously sent signature.
func (tm *Manager) Status(ctx context.Context, signature solana.Signature) (*Submitted, error) {
	return tm.monitor.GetTransactionStatus(ctx, signature)
}

func (tm *Manager) checkAccounts(ctx context.Context, accounts []solana.PublicKey) error {
	for _, acct := range accounts {
		exists, err := tm.client.AccountExists(ctx, acct)
		if err != nil {
			return fmt.Errorf("%w: account check %s: %v", ErrSubmissionFailed, acct, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s does not exist", transfer.ErrTokenAccountUnavailable, acct)
		}
	}
	return nil
}

func (tm *Manager) prepare(ctx context.Context, u *transfer.Unsigned) (*solana.Transaction, error) {
	blockhash, err := tm.client.GetRecentBlockhash(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to get recent blockhash: %v", ErrSubmissionFailed, err)
	}

	instructions := make([]solana.Instruction, 0, len(u.Instructions)+2)
	if tm.config.PriorityFee > 0 {
		if tm.config.ComputeUnits > 0 {
			instructions = append(instructions,
				computebudget.NewSetComputeUnitLimitInstruction(tm.config.ComputeUnits).Build())
		}
		instructions = append(instructions,
			computebudget.NewSetComputeUnitPriceInstruction(tm.config.PriorityFee).Build())
	}
	instructions = append(instructions, u.Instructions...)

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(u.FeePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

func (tm *Manager) sendWithRetry(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	attempts := 0
	operation := func() (solana.Signature, error) {
		attempts++
		sig, err := tm.client.SendTransactionWithOpts(ctx, tx, blockchain.TransactionOptions{
			SkipPreflight:       tm.config.SkipPreflight,
			PreflightCommitment: tm.config.Commitment,
		})
		if err != nil {
			if errors.Is(err, blockchain.ErrRejected) {
				return solana.Signature{}, backoff.Permanent(err)
			}
			return solana.Signature{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
		}
		return sig, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = tm.config.RetryDelay
	policy.MaxInterval = tm.config.RetryDelay * 10

	notify := func(err error, d time.Duration) {
		tm.metrics.SendRetried()
		tm.logger.Warn("Retrying transaction send", zap.Error(err), zap.Duration("backoff", d))
	}

	signature, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(tm.config.MaxRetries)),
		backoff.WithNotify(notify))
	if err != nil {
		switch {
		case errors.Is(err, blockchain.ErrRejected):
			return solana.Signature{}, fmt.Errorf("%w: %w", ErrTransactionRejected, err)
		case ctx.Err() != nil:
			return solana.Signature{}, ctx.Err()
		default:
			return solana.Signature{}, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
		}
	}

	// The node echoes the first signature; a mismatch means a misbehaving endpoint.
	if len(tx.Signatures) > 0 && signature != tx.Signatures[0] {
		tm.logger.Warn("Node returned unexpected signature",
			zap.String("expected", tx.Signatures[0].String()),
			zap.String("got", signature.String()))
		signature = tx.Signatures[0]
	}
	return signature, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrConfirmationTimeout):
		return "timeout"
	case errors.Is(err, ErrTransactionRejected):
		return "rejected"
	default:
		return "failed"
	}
}
