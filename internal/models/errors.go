package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// branch with errors.Is.
var (
	ErrValidation             = errors.New("ledger: validation failed")
	ErrNotFound               = errors.New("ledger: account not found")
	ErrInsufficientFunds      = errors.New("ledger: insufficient funds")
	ErrNotLeader              = errors.New("ledger: not leader")
	ErrChannelClosed          = errors.New("ledger: command channel closed")
	ErrIdempotencyKeyRequired = errors.New("ledger: idempotency key is mandatory for batch transfers")
	ErrBufferFull             = errors.New("ledger: write buffer full")
	ErrStoreClosed            = errors.New("ledger: store is closed")
)

// ValidationError is a request that can be rejected from local knowledge
// alone (bad amount, malformed command, unknown account type).
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing source or destination account.
type NotFoundError struct {
	AccountID string
	Role      string // "source" or "destination"
}

func (e NotFoundError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("ledger: %s account does not exist: %s", e.Role, e.AccountID)
	}
	return fmt.Sprintf("ledger: account does not exist: %s", e.AccountID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// InsufficientFundsError is produced by the state machine at apply time.
type InsufficientFundsError struct {
	AccountID string
	Balance   decimal.Decimal
	Amount    decimal.Decimal
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds in %s: balance %s, requested %s",
		e.AccountID, e.Balance.String(), e.Amount.String())
}

func (e InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// NotLeaderError is returned in cluster mode by replicas that cannot accept
// writes. Leader is empty when no leader is currently known.
type NotLeaderError struct {
	Leader string
	Reason string
}

func (e NotLeaderError) Error() string {
	msg := "ledger: not leader"
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Leader != "" {
		msg += ", leader is " + e.Leader
	}
	return msg
}

func (e NotLeaderError) Unwrap() error { return ErrNotLeader }

// IsRetryable returns true if the same request may succeed when retried,
// possibly against another node.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotLeader) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrBufferFull)
}

// HTTPStatus maps an error from the ledger to the status code that is cached
// alongside idempotent outcomes and returned by the HTTP boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotLeader):
		return http.StatusMisdirectedRequest
	case errors.Is(err, ErrChannelClosed), errors.Is(err, ErrBufferFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		// The command may still be applied; the caller only stopped waiting.
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
