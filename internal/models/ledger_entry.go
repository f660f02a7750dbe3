package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one side of a double-entry transfer: negative for the
// debited account, positive for the credited one.
type LedgerEntry struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// SumEntries adds up the amounts of the given entries. A balanced set of
// entries sums to zero.
func SumEntries(entries ...LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
