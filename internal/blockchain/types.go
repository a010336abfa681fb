// internal/blockchain/types.go
package blockchain

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// TransactionOptions определяет опции для отправки транзакций.
type TransactionOptions struct {
	SkipPreflight       bool
	PreflightCommitment rpc.CommitmentType
}

// SignatureStatus is the network's view of a submitted signature.
// A nil *SignatureStatus from Client.GetSignatureStatus means the node has not seen it yet.
type SignatureStatus struct {
	Slot               uint64
	Confirmations      *uint64
	ConfirmationStatus rpc.ConfirmationStatusType
	// Err is the on-chain execution error, nil on success.
	Err interface{}
}

// Client is the subset of the Solana RPC surface the checkout pipeline needs.
type Client interface {
	// Получить последний blockhash.
	GetRecentBlockhash(ctx context.Context) (solana.Hash, error)
	// Отправить транзакцию с опциями.
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts TransactionOptions) (solana.Signature, error)
	// Получить статус подписи транзакции.
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*SignatureStatus, error)
	// Проверить, существует ли аккаунт.
	AccountExists(ctx context.Context, pubkey solana.PublicKey) (bool, error)
}
