// Package errors provides structured error handling for keel.
// It defines sentinel errors, exit codes, and helpers for adding
// context, details, and suggestions to errors.
//
//nolint:revive // Package name intentionally shadows stdlib for domain-specific error handling
package errors

import (
	"errors"
	"fmt"
	"sort"
)

// Exit codes for the CLI front-end.
const (
	ExitSuccess    = 0 // Successful execution
	ExitGeneral    = 1 // General/unknown error
	ExitInput      = 2 // Invalid input
	ExitNotFound   = 4 // Resource not found
	ExitPermission = 5 // Permission denied or insufficient funds
)

// CodeUserRejected is the JSON-RPC error code wallets use for a user
// declining an approval prompt (EIP-1193).
const CodeUserRejected = 4001

// KeelError is the structured error type for keel.
type KeelError struct {
	Code       string            // Machine-readable error code
	Message    string            // Human-readable message
	Details    map[string]string // Additional context
	Suggestion string            // Actionable suggestion for user
	Cause      error             // Underlying error
	RPCCode    int               // JSON-RPC error code, if any
	ExitCode   int               // Exit code for CLI
}

func (e *KeelError) Error() string {
	msg := e.Message

	// Include details in error message (sorted for deterministic output)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg = fmt.Sprintf("%s (%s: %s)", msg, k, e.Details[k])
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *KeelError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for KeelError.
func (e *KeelError) Is(target error) bool {
	var t *KeelError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Routing errors.
var (
	ErrUnknownChain = &KeelError{
		Code:     "UNKNOWN_CHAIN",
		Message:  "unknown chain",
		ExitCode: ExitNotFound,
	}

	// ErrNoEndpoints indicates a chain with an empty endpoint list.
	// Registration validates endpoint lists, so hitting this at runtime
	// means registry state has been corrupted.
	ErrNoEndpoints = &KeelError{
		Code:     "NO_ENDPOINTS",
		Message:  "chain has no RPC endpoints",
		ExitCode: ExitGeneral,
	}

	ErrDuplicateEndpoint = &KeelError{
		Code:     "DUPLICATE_ENDPOINT",
		Message:  "duplicate RPC endpoint URL",
		ExitCode: ExitInput,
	}

	ErrUnknownStrategy = &KeelError{
		Code:     "UNKNOWN_STRATEGY",
		Message:  "unknown endpoint selection strategy",
		ExitCode: ExitInput,
	}

	ErrInvalidChainRef = &KeelError{
		Code:     "INVALID_CHAIN_REF",
		Message:  "invalid chain reference, expected namespace:reference",
		ExitCode: ExitInput,
	}
)

// Transport errors (retryable up to the attempt limit).
var (
	ErrRetryable = &KeelError{
		Code:     "RETRYABLE_ERROR",
		Message:  "retryable error",
		ExitCode: ExitGeneral,
	}

	ErrTimeout = &KeelError{
		Code:     "TIMEOUT",
		Message:  "operation timed out",
		ExitCode: ExitGeneral,
	}

	ErrRateLimited = &KeelError{
		Code:     "RATE_LIMITED",
		Message:  "rate limited",
		ExitCode: ExitGeneral,
	}

	ErrHTTPStatus = &KeelError{
		Code:     "RPC_HTTP_STATUS",
		Message:  "RPC endpoint returned a failure status",
		ExitCode: ExitGeneral,
	}

	ErrInvalidResponse = &KeelError{
		Code:     "RPC_INVALID_RESPONSE",
		Message:  "invalid RPC response",
		ExitCode: ExitGeneral,
	}

	ErrRPC = &KeelError{
		Code:     "RPC_ERROR",
		Message:  "RPC error",
		ExitCode: ExitGeneral,
	}

	ErrClientDestroyed = &KeelError{
		Code:     "CLIENT_DESTROYED",
		Message:  "RPC client engine has been destroyed",
		ExitCode: ExitGeneral,
	}
)

// Lifecycle errors.
var (
	ErrTransactionNotFound = &KeelError{
		Code:     "TRANSACTION_NOT_FOUND",
		Message:  "transaction not found",
		ExitCode: ExitNotFound,
	}

	ErrUserRejected = &KeelError{
		Code:     "USER_REJECTED",
		Message:  "user rejected the request",
		RPCCode:  CodeUserRejected,
		ExitCode: ExitPermission,
	}

	ErrAdapterNotFound = &KeelError{
		Code:     "ADAPTER_NOT_FOUND",
		Message:  "no transaction adapter registered for namespace",
		ExitCode: ExitGeneral,
	}

	ErrSigningFailed = &KeelError{
		Code:     "SIGNING_FAILED",
		Message:  "transaction signing failed",
		ExitCode: ExitGeneral,
	}

	ErrBroadcastFailed = &KeelError{
		Code:     "BROADCAST_FAILED",
		Message:  "transaction broadcast failed",
		ExitCode: ExitGeneral,
	}

	ErrReceiptTimeout = &KeelError{
		Code:     "RECEIPT_TIMEOUT",
		Message:  "transaction was not confirmed before the tracking deadline",
		ExitCode: ExitGeneral,
	}

	ErrExecutionReverted = &KeelError{
		Code:     "EXECUTION_REVERTED",
		Message:  "transaction execution failed on-chain",
		ExitCode: ExitGeneral,
	}

	ErrTransactionReplaced = &KeelError{
		Code:     "TX_REPLACED",
		Message:  "transaction was replaced by another with the same nonce",
		ExitCode: ExitGeneral,
	}
)

// Draft/input errors.
var (
	ErrInvalidInput = &KeelError{
		Code:     "INVALID_INPUT",
		Message:  "invalid input",
		ExitCode: ExitInput,
	}

	ErrInvalidAddress = &KeelError{
		Code:     "INVALID_ADDRESS",
		Message:  "invalid address format",
		ExitCode: ExitInput,
	}

	ErrInvalidHexQuantity = &KeelError{
		Code:     "INVALID_HEX_QUANTITY",
		Message:  "invalid hex quantity",
		ExitCode: ExitInput,
	}

	ErrInsufficientFunds = &KeelError{
		Code:     "INSUFFICIENT_FUNDS",
		Message:  "insufficient funds for transaction",
		ExitCode: ExitPermission,
	}

	ErrFeeFieldConflict = &KeelError{
		Code:     "FEE_FIELD_CONFLICT",
		Message:  "transaction mixes legacy and EIP-1559 fee fields",
		ExitCode: ExitInput,
	}
)

// Config errors.
var (
	ErrConfigNotFound = &KeelError{
		Code:     "CONFIG_NOT_FOUND",
		Message:  "configuration file not found",
		ExitCode: ExitNotFound,
	}

	ErrConfigInvalid = &KeelError{
		Code:     "CONFIG_INVALID",
		Message:  "configuration file is invalid",
		ExitCode: ExitInput,
	}
)

// New creates a new KeelError with the given code and message.
func New(code, message string) *KeelError {
	return &KeelError{
		Code:     code,
		Message:  message,
		ExitCode: ExitGeneral,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf(format, args...)

	var ke *KeelError
	if errors.As(err, &ke) {
		return &KeelError{
			Code:       ke.Code,
			Message:    fmt.Sprintf("%s: %s", msg, ke.Message),
			Details:    ke.Details,
			Suggestion: ke.Suggestion,
			Cause:      err,
			RPCCode:    ke.RPCCode,
			ExitCode:   ke.ExitCode,
		}
	}

	return &KeelError{
		Code:     "GENERAL_ERROR",
		Message:  msg,
		Cause:    err,
		ExitCode: ExitGeneral,
	}
}

// WithDetails adds details to an error.
func WithDetails(err error, details map[string]string) error {
	if err == nil {
		return nil
	}

	var ke *KeelError
	if errors.As(err, &ke) {
		return &KeelError{
			Code:       ke.Code,
			Message:    ke.Message,
			Details:    details,
			Suggestion: ke.Suggestion,
			Cause:      ke.Cause,
			RPCCode:    ke.RPCCode,
			ExitCode:   ke.ExitCode,
		}
	}

	return &KeelError{
		Code:     "GENERAL_ERROR",
		Message:  err.Error(),
		Details:  details,
		Cause:    err,
		ExitCode: ExitGeneral,
	}
}

// WithSuggestion adds a suggestion to an error.
func WithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}

	var ke *KeelError
	if errors.As(err, &ke) {
		return &KeelError{
			Code:       ke.Code,
			Message:    ke.Message,
			Details:    ke.Details,
			Suggestion: suggestion,
			Cause:      ke.Cause,
			RPCCode:    ke.RPCCode,
			ExitCode:   ke.ExitCode,
		}
	}

	return &KeelError{
		Code:       "GENERAL_ERROR",
		Message:    err.Error(),
		Suggestion: suggestion,
		Cause:      err,
		ExitCode:   ExitGeneral,
	}
}

// WithRPCCode attaches a JSON-RPC error code to an error.
func WithRPCCode(err error, code int) error {
	if err == nil {
		return nil
	}

	var ke *KeelError
	if errors.As(err, &ke) {
		return &KeelError{
			Code:       ke.Code,
			Message:    ke.Message,
			Details:    ke.Details,
			Suggestion: ke.Suggestion,
			Cause:      ke.Cause,
			RPCCode:    code,
			ExitCode:   ke.ExitCode,
		}
	}

	return &KeelError{
		Code:     "GENERAL_ERROR",
		Message:  err.Error(),
		Cause:    err,
		RPCCode:  code,
		ExitCode: ExitGeneral,
	}
}

// IsUserRejection reports whether an error represents the user declining
// an approval, either the canonical sentinel or JSON-RPC code 4001.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	var ke *KeelError
	if errors.As(err, &ke) {
		return ke.RPCCode == CodeUserRejected
	}
	return false
}

// ExitCode returns the appropriate exit code for an error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var ke *KeelError
	if errors.As(err, &ke) {
		return ke.ExitCode
	}

	return ExitGeneral
}

// Code returns the error code for an error.
func Code(err error) string {
	var ke *KeelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return "GENERAL_ERROR"
}

// Is wraps errors.Is for convenience.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience.
func As(err error, target any) bool {
	return errors.As(err, target)
}
