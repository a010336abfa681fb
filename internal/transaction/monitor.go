// internal/transaction/monitor.go
package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain"
	"go.uber.org/zap"
)

type Monitor struct {
	client blockchain.Client
	logger *zap.Logger
	config Config
}

func NewMonitor(client blockchain.Client, logger *zap.Logger, config Config) *Monitor {
	return &Monitor{
		client: client,
		logger: logger.Named("tx-monitor"),
		config: config.withDefaults(),
	}
}

// checkConfirmation проверяет, подтверждена ли транзакция
func (m *Monitor) checkConfirmation(status *blockchain.SignatureStatus) bool {
	if status.Confirmations != nil && *status.Confirmations >= uint64(m.config.MinConfirmations) {
		return true
	}

	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return m.config.Commitment != rpc.CommitmentFinalized
	}
	return false
}

// GetTransactionStatus returns the current status without waiting.
func (m *Monitor) GetTransactionStatus(ctx context.Context, signature solana.Signature) (*Submitted, error) {
	status, err := m.client.GetSignatureStatus(ctx, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction status: %w", err)
	}

	out := &Submitted{Signature: signature, Status: StatusPending}
	if status == nil {
		return out, nil
	}
	out.Slot = status.Slot

	switch {
	case status.Err != nil:
		out.Status = StatusFailed
		out.Error = fmt.Sprintf("%v", status.Err)
	case m.checkConfirmation(status):
		out.Status = StatusConfirmed
		out.ConfirmedAt = time.Now()
	}
	return out, nil
}

// AwaitConfirmation polls until the signature reaches a terminal status or the
// confirmation window closes. A failed on-chain execution yields ErrTransactionRejected.
// On timeout or cancellation the returned status is pending and still carries the
// signature: the transaction may land later.
func (m *Monitor) AwaitConfirmation(ctx context.Context, signature solana.Signature) (*Submitted, error) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(m.config.ConfirmationTime)
	defer deadline.Stop()

	pending := func() *Submitted {
		return &Submitted{Signature: signature, Status: StatusPending}
	}

	for {
		select {
		case <-ctx.Done():
			return pending(), ctx.Err()
		case <-deadline.C:
			return pending(), fmt.Errorf("%w: %s not confirmed within %s",
				ErrConfirmationTimeout, signature, m.config.ConfirmationTime)
		case <-ticker.C:
			st, err := m.GetTransactionStatus(ctx, signature)
			if err != nil {
				m.logger.Warn("Confirmation check failed",
					zap.String("signature", signature.String()),
					zap.Error(err))
				continue
			}

			switch st.Status {
			case StatusConfirmed:
				return st, nil
			case StatusFailed:
				return st, fmt.Errorf("%w: %s failed on-chain: %s", ErrTransactionRejected, signature, st.Error)
			}
		}
	}
}
