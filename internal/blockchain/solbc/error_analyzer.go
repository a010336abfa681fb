package solbc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain"
	"go.uber.org/zap"
)

// JSON-RPC codes the Solana node uses for transactions it will never accept as sent.
const (
	codeInvalidRequest          = -32600
	codeInvalidParams           = -32602
	codeSendTxPreflightFailure  = -32002
	codeSigVerificationFailure  = -32003
	codeUnsupportedTxVersion    = -32015
	simulationFailedMessagePart = "Transaction simulation failed"
)

// AnchorError represents an error from Anchor framework
type AnchorError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

// ErrorAnalyzer classifies errors returned by sendTransaction.
type ErrorAnalyzer struct {
	logger *zap.Logger
}

// NewErrorAnalyzer creates a new ErrorAnalyzer instance
func NewErrorAnalyzer(logger *zap.Logger) *ErrorAnalyzer {
	return &ErrorAnalyzer{
		logger: logger.Named("error-analyzer"),
	}
}

// Classify returns a *blockchain.RejectionError when the node refused the
// transaction itself, and err unchanged for transport or availability failures.
func (ea *ErrorAnalyzer) Classify(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}

	if !isRejection(rpcErr) {
		return err
	}

	rej := &blockchain.RejectionError{
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
	}

	if dataMap, ok := rpcErr.Data.(map[string]interface{}); ok {
		if logs, ok := dataMap["logs"].([]interface{}); ok {
			for _, logEntry := range logs {
				logStr, ok := logEntry.(string)
				if !ok {
					continue
				}
				rej.Logs = append(rej.Logs, logStr)
				if strings.Contains(logStr, "AnchorError occurred") {
					anchorErr := parseAnchorErrorLog(logStr)
					rej.ProgramError = fmt.Sprintf("%s (%d): %s", anchorErr.Name, anchorErr.Code, anchorErr.Msg)
					ea.logger.Warn("Anchor error detected",
						zap.Int("code", anchorErr.Code),
						zap.String("name", anchorErr.Name),
						zap.String("message", anchorErr.Msg))
				}
			}
		}
		if instrErr, ok := dataMap["err"]; ok && instrErr != nil && rej.ProgramError == "" {
			rej.ProgramError = fmt.Sprintf("%v", instrErr)
		}
	}

	ea.logger.Debug("Transaction rejected",
		zap.Int("code", rej.Code),
		zap.String("message", rej.Message),
		zap.Int("logs", len(rej.Logs)))
	return rej
}

func isRejection(rpcErr *jsonrpc.RPCError) bool {
	switch rpcErr.Code {
	case codeInvalidRequest, codeInvalidParams, codeSendTxPreflightFailure,
		codeSigVerificationFailure, codeUnsupportedTxVersion:
		return true
	}
	return strings.Contains(rpcErr.Message, simulationFailedMessagePart)
}

// parseAnchorErrorLog parses an Anchor error log string
// Example: "Program log: AnchorError occurred. Error Code: InstructionFallbackNotFound. Error Number: 101. Error Message: Fallback functions are not supported."
func parseAnchorErrorLog(logStr string) AnchorError {
	result := AnchorError{}

	if parts := strings.SplitN(logStr, "Error Number:", 2); len(parts) == 2 {
		numParts := strings.Split(parts[1], ".")
		fmt.Sscanf(strings.TrimSpace(numParts[0]), "%d", &result.Code)
	}

	if parts := strings.SplitN(logStr, "Error Code:", 2); len(parts) == 2 {
		result.Name = strings.TrimSpace(strings.Split(parts[1], ".")[0])
	}

	if parts := strings.SplitN(logStr, "Error Message:", 2); len(parts) == 2 {
		result.Msg = strings.TrimSuffix(strings.TrimSpace(parts[1]), ".")
	}

	return result
}
