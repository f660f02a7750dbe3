package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus of a persisted transaction. Only committed transfers are
// ever recorded; rejected transfers leave no trace.
type TransactionStatus string

const StatusCommitted TransactionStatus = "COMMITTED"

// Transaction is the immutable record of one applied transfer.
type Transaction struct {
	ID             string            `json:"transaction_id"`
	FromAccountID  string            `json:"from_account_id"`
	ToAccountID    string            `json:"to_account_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Description    string            `json:"description"`
	IdempotencyKey string            `json:"idempotent_id,omitempty"`
	ProcessedAt    time.Time         `json:"processed_at"`
	Status         TransactionStatus `json:"status"`
}

// Entries returns the debit and credit legs of the transaction.
func (t Transaction) Entries() (debit, credit LedgerEntry) {
	debit = LedgerEntry{
		ID:        t.ID + "-debit",
		AccountID: t.FromAccountID,
		Amount:    t.Amount.Neg(),
		CreatedAt: t.ProcessedAt,
	}
	credit = LedgerEntry{
		ID:        t.ID + "-credit",
		AccountID: t.ToAccountID,
		Amount:    t.Amount,
		CreatedAt: t.ProcessedAt,
	}
	return debit, credit
}
