// ==================================
// File: internal/wallet/wallet.go
// ==================================
package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"gopkg.in/yaml.v3"
)

var (
	// ErrSignerRejected means the key holder refused to sign. Never retried.
	ErrSignerRejected = errors.New("signer rejected transaction")
	// ErrSignerUnavailable means no key for the required account could be reached.
	ErrSignerUnavailable = errors.New("signer unavailable")
)

// Signer is the signing capability a buyer hands to the checkout pipeline.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// Wallet представляет кошелёк Solana.
type Wallet struct {
	Name       string
	PrivateKey solana.PrivateKey
	pubkey     solana.PublicKey
}

// NewWallet создаёт новый кошелёк из base58-encoded приватного ключа.
func NewWallet(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(strings.TrimSpace(privateKeyBase58))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(privateKeyBytes) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(privateKeyBytes))
	}
	privateKey := solana.PrivateKey(privateKeyBytes)
	return &Wallet{
		PrivateKey: privateKey,
		pubkey:     privateKey.PublicKey(),
	}, nil
}

type walletFile struct {
	Wallets []struct {
		Name       string `yaml:"name"`
		PrivateKey string `yaml:"private_key"`
	} `yaml:"wallets"`
}

// LoadWallets загружает кошельки из YAML-файла:
//
//	wallets:
//	  - name: buyer
//	    private_key: <base58>
func LoadWallets(path string) (map[string]*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}

	var f walletFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse wallet file: %w", err)
	}
	if len(f.Wallets) == 0 {
		return nil, fmt.Errorf("wallet file %s has no wallets", path)
	}

	wallets := make(map[string]*Wallet, len(f.Wallets))
	for i, entry := range f.Wallets {
		if entry.Name == "" {
			return nil, fmt.Errorf("wallet #%d: name is empty", i)
		}
		if _, dup := wallets[entry.Name]; dup {
			return nil, fmt.Errorf("wallet %q: duplicate name", entry.Name)
		}
		w, err := NewWallet(entry.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet %q: %w", entry.Name, err)
		}
		w.Name = entry.Name
		wallets[entry.Name] = w
	}
	return wallets, nil
}

// PublicKey returns the wallet address.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.pubkey
}

// Sign подписывает транзакцию с помощью приватного ключа кошелька.
func (w *Wallet) Sign(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.pubkey) {
			return &w.PrivateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	return nil
}

// String возвращает строковое представление кошелька (его публичный ключ).
func (w *Wallet) String() string {
	return w.pubkey.String()
}

var _ Signer = (*Wallet)(nil)
