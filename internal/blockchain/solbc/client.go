// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain"
	"go.uber.org/zap"
)

// Client – тонкий адаптер для взаимодействия с блокчейном Solana через solana-go.
type Client struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	analyzer   *ErrorAnalyzer
	logger     *zap.Logger
}

// IsAccountNotFoundError проверяет, является ли ошибка "not found"
func IsAccountNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

// NewClient создаёт новый клиент, принимая RPC URL и логгер через dependency injection.
func NewClient(rpcURL string, commitment rpc.CommitmentType, logger *zap.Logger) *Client {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &Client{
		rpc:        rpc.New(rpcURL),
		commitment: commitment,
		analyzer:   NewErrorAnalyzer(logger),
		logger:     logger.Named("solbc-client"),
	}
}

// GetRecentBlockhash получает последний blockhash.
func (c *Client) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		c.logger.Error("GetRecentBlockhash error", zap.Error(err))
		return solana.Hash{}, err
	}
	return result.Value.Blockhash, nil
}

// SendTransactionWithOpts отправляет транзакцию с заданными опциями.
// Node-side rejections come back as *blockchain.RejectionError.
func (c *Client) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts blockchain.TransactionOptions) (solana.Signature, error) {
	preflight := opts.PreflightCommitment
	if preflight == "" {
		preflight = c.commitment
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: preflight,
	})
	if err != nil {
		c.logger.Error("SendTransactionWithOpts error", zap.Error(err))
		return solana.Signature{}, c.analyzer.Classify(err)
	}
	return sig, nil
}

// GetSignatureStatus returns nil, nil while the signature is unknown to the node.
func (c *Client) GetSignatureStatus(ctx context.Context, signature solana.Signature) (*blockchain.SignatureStatus, error) {
	result, err := c.rpc.GetSignatureStatuses(ctx, false, signature)
	if err != nil {
		c.logger.Debug("GetSignatureStatuses error",
			zap.String("signature", signature.String()),
			zap.Error(err))
		return nil, err
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}
	status := result.Value[0]
	return &blockchain.SignatureStatus{
		Slot:               status.Slot,
		Confirmations:      status.Confirmations,
		ConfirmationStatus: status.ConfirmationStatus,
		Err:                status.Err,
	}, nil
}

// AccountExists проверяет существование аккаунта.
func (c *Client) AccountExists(ctx context.Context, pubkey solana.PublicKey) (bool, error) {
	result, err := c.rpc.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
	})
	if err != nil {
		if IsAccountNotFoundError(err) {
			return false, nil
		}
		c.logger.Debug("GetAccountInfo error",
			zap.String("pubkey", pubkey.String()),
			zap.Error(err))
		return false, err
	}
	return result != nil && result.Value != nil, nil
}

// Гарантируем, что Client реализует интерфейс blockchain.Client.
var _ blockchain.Client = (*Client)(nil)
