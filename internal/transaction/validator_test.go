package transaction

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestValidateTransaction(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))
	payer := solana.NewWallet()

	newTx := func(hash solana.Hash) *solana.Transaction {
		tx, err := solana.NewTransaction(
			[]solana.Instruction{system.NewTransferInstruction(1, payer.PublicKey(), solana.NewWallet().PublicKey()).Build()},
			hash,
			solana.TransactionPayer(payer.PublicKey()),
		)
		require.NoError(t, err)
		return tx
	}
	sign := func(tx *solana.Transaction) {
		_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if key.Equals(payer.PublicKey()) {
				return &payer.PrivateKey
			}
			return nil
		})
		require.NoError(t, err)
	}

	unsigned := newTx(solana.Hash{1})
	assert.True(t, errors.Is(v.ValidateTransaction(unsigned), ErrInvalidSignature))

	noHash := newTx(solana.Hash{})
	sign(noHash)
	assert.True(t, errors.Is(v.ValidateTransaction(noHash), ErrInvalidBlockhash))

	good := newTx(solana.Hash{1})
	sign(good)
	assert.NoError(t, v.ValidateTransaction(good))

	tampered := newTx(solana.Hash{1})
	sign(tampered)
	tampered.Message.RecentBlockhash = solana.Hash{2}
	assert.True(t, errors.Is(v.ValidateTransaction(tampered), ErrInvalidSignature))

	assert.True(t, errors.Is(v.ValidateInstructions(nil), ErrInvalidInstruction))
}
