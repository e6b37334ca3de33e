package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error kind. Callers branch on the code,
// never on Message.
type Code string

const (
	CodeBadRequest              Code = "bad_request"
	CodeTradeNotFound           Code = "trade_not_found"
	CodeInvalidTradeState       Code = "invalid_trade_state"
	CodeChainNotAllowed         Code = "chain_not_allowed"
	CodeDestinationNotAllowed   Code = "destination_not_allowed"
	CodeMissingQuoteDestination Code = "missing_quote_destination"
	CodeOwnerMismatch           Code = "owner_mismatch"
	CodeFromMismatch            Code = "from_mismatch"
	CodeInsufficientBalance     Code = "insufficient_balance"
	CodeInsufficientAllowance   Code = "insufficient_allowance"
	CodeAmountExceedsLimit      Code = "amount_exceeds_limit"
	CodeValueExceedsMaximum     Code = "value_exceeds_maximum"
	CodeSignerUnavailable       Code = "signer_unavailable"
	CodeSigningFailed           Code = "signing_failed"
	CodeWebhookSigningFailed    Code = "webhook_signing_failed"
	CodeInvalidSignedTxFormat   Code = "invalid_signed_tx_format"
	CodeSignedTxMismatch        Code = "signed_tx_mismatch"
	CodeBroadcastFailed         Code = "broadcast_failed"
	CodeTimeout                 Code = "timeout"
	CodeUnavailable             Code = "unavailable"
	CodeConfigInvalid           Code = "config_invalid"
	CodeCommandBlocked          Code = "command_blocked"
	CodeUnauthorized            Code = "unauthorized"
	CodeUnexpected              Code = "unexpected"
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeUnexpected for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeUnexpected
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

var exitCodes = map[Code]int{
	CodeBadRequest:              2,
	CodeConfigInvalid:           2,
	CodeTradeNotFound:           3,
	CodeInvalidTradeState:       4,
	CodeChainNotAllowed:         5,
	CodeDestinationNotAllowed:   6,
	CodeMissingQuoteDestination: 6,
	CodeOwnerMismatch:           7,
	CodeFromMismatch:            7,
	CodeInsufficientBalance:     8,
	CodeInsufficientAllowance:   8,
	CodeAmountExceedsLimit:      9,
	CodeValueExceedsMaximum:     9,
	CodeSignerUnavailable:       10,
	CodeSigningFailed:           11,
	CodeWebhookSigningFailed:    11,
	CodeInvalidSignedTxFormat:   11,
	CodeSignedTxMismatch:        11,
	CodeBroadcastFailed:         12,
	CodeUnavailable:             13,
	CodeTimeout:                 14,
	CodeUnauthorized:            15,
	CodeCommandBlocked:          16,
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[CodeOf(err)]; ok {
		return code
	}
	return 1
}

// HTTPStatus maps an error to the status code used by the service surface.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeBadRequest, CodeChainNotAllowed:
		return http.StatusBadRequest
	case CodeTradeNotFound:
		return http.StatusNotFound
	case CodeInvalidTradeState:
		return http.StatusConflict
	case CodeOwnerMismatch, CodeFromMismatch, CodeDestinationNotAllowed, CodeMissingQuoteDestination:
		return http.StatusForbidden
	case CodeCommandBlocked:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInsufficientBalance, CodeInsufficientAllowance, CodeAmountExceedsLimit, CodeValueExceedsMaximum:
		return http.StatusUnprocessableEntity
	case CodeBroadcastFailed, CodeSigningFailed, CodeWebhookSigningFailed, CodeInvalidSignedTxFormat, CodeSignedTxMismatch, CodeUnavailable:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeSignerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
