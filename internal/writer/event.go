package writer

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// EventKind discriminates the WriteEvent variants.
type EventKind string

const (
	KindBalance     EventKind = "BALANCE"
	KindTransaction EventKind = "TRANSACTION"
)

// WriteEvent is one unit of mirror work. Exactly one of the payload fields is
// meaningful, selected by Kind.
type WriteEvent struct {
	Kind        EventKind
	AccountID   string
	Balance     decimal.Decimal
	Transaction models.Transaction
	EnqueuedAt  time.Time
}

func BalanceEvent(accountID string, balance decimal.Decimal) WriteEvent {
	return WriteEvent{Kind: KindBalance, AccountID: accountID, Balance: balance}
}

func TransactionEvent(tx models.Transaction) WriteEvent {
	return WriteEvent{Kind: KindTransaction, Transaction: tx}
}
