// internal/listing/address.go
package listing

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mr-tron/base58"
)

// MinAddressLength is the shortest string accepted as a wallet address.
const MinAddressLength = 32

// IsValidAddress is a format check only: length and alphabet, never ownership or liveness.
//
// Any alphanumeric string of MinAddressLength or more is also accepted, matching
// what wallets have historically been allowed to hand over. This admits strings
// that are not real addresses.
func IsValidAddress(address string) bool {
	trimmed := strings.TrimSpace(address)
	if len(trimmed) < MinAddressLength {
		return false
	}
	if _, err := base58.Decode(trimmed); err == nil {
		return true
	}
	return isAlphanumeric(trimmed)
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func validateAddressTag(fl validator.FieldLevel) bool {
	return IsValidAddress(fl.Field().String())
}
