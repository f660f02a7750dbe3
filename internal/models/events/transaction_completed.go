package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// TopicTransactionCompleted is the default topic for committed transfers.
const TopicTransactionCompleted = "transaction_completed"

// TransactionCompleted is published once a committed transfer has been
// handed to the relational mirror.
type TransactionCompleted struct {
	TransactionID  string          `json:"transaction_id"`
	FromAccount    string          `json:"from_account"`
	ToAccount      string          `json:"to_account"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`

	// Entries are the debit and credit legs, in that order.
	Entries []models.LedgerEntry `json:"entries"`
}

// FromTransaction builds the event for a committed transaction record.
func FromTransaction(tx models.Transaction) TransactionCompleted {
	debit, credit := tx.Entries()
	return TransactionCompleted{
		TransactionID:  tx.ID,
		FromAccount:    tx.FromAccountID,
		ToAccount:      tx.ToAccountID,
		Amount:         tx.Amount,
		Description:    tx.Description,
		IdempotencyKey: tx.IdempotencyKey,
		OccurredAt:     tx.ProcessedAt,
		Entries:        []models.LedgerEntry{debit, credit},
	}
}
