// internal/blockchain/errors.go
package blockchain

import (
	"errors"
	"fmt"
)

// ErrRejected marks a transaction the node refused to accept. Resending it cannot succeed.
var ErrRejected = errors.New("transaction rejected by node")

// RejectionError carries the node's reason for a rejected transaction.
type RejectionError struct {
	Code    int
	Message string
	// Logs are the program logs from a failed preflight simulation, if any.
	Logs []string
	// ProgramError is the decoded Anchor-style error from the logs, if any.
	ProgramError string
}

func (e *RejectionError) Error() string {
	if e.ProgramError != "" {
		return fmt.Sprintf("rejected (code %d): %s: %s", e.Code, e.Message, e.ProgramError)
	}
	return fmt.Sprintf("rejected (code %d): %s", e.Code, e.Message)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}
