package interfaces

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// BalanceUpdate is the mirror payload of a balance write event.
type BalanceUpdate struct {
	AccountID string
	Balance   decimal.Decimal
}

// MirrorStore is the relational write-behind mirror. It is never read on the
// hot path; only the bulk loader reads it, at startup.
type MirrorStore interface {
	// UpsertBalances inserts missing accounts and updates existing ones.
	UpsertBalances(ctx context.Context, updates []BalanceUpdate) error
	// InsertTransactions inserts transaction rows, ignoring ids already present.
	InsertTransactions(ctx context.Context, txs []models.Transaction) error

	LoadAccounts(ctx context.Context) ([]models.Account, error)
	LoadTransactions(ctx context.Context) ([]models.Transaction, error)

	Ping(ctx context.Context) error
}
