package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	interfaces "github.com/sheikh-saqib/replicated-ledger/internal/interfaces"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// PostgresMirrorStore is the relational write-behind mirror of the ledger.
type PostgresMirrorStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresMirrorStore(db *sql.DB) *PostgresMirrorStore {
	return &PostgresMirrorStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*PostgresMirrorStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return NewPostgresMirrorStore(db), nil
}

func (p *PostgresMirrorStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresMirrorStore) Close() error {
	return p.db.Close()
}

func (p *PostgresMirrorStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func (p *PostgresMirrorStore) UpsertBalances(ctx context.Context, updates []interfaces.BalanceUpdate) (err error) {
	if len(updates) == 0 {
		return nil
	}
	const query = `INSERT INTO account (account_id, user_id, account_type, balance, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$5)
	ON CONFLICT (account_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	now := p.now()
	for _, u := range updates {
		userID, accountType, splitErr := models.SplitAccountID(u.AccountID)
		if splitErr != nil {
			err = splitErr
			return err
		}
		if _, err = dbTx.ExecContext(ctx, query, u.AccountID, userID, string(accountType), u.Balance, now); err != nil {
			return fmt.Errorf("postgres: upsert balance %s: %w", u.AccountID, err)
		}
	}
	return dbTx.Commit()
}

func (p *PostgresMirrorStore) InsertTransactions(ctx context.Context, txs []models.Transaction) (err error) {
	if len(txs) == 0 {
		return nil
	}
	const query = `INSERT INTO processed_transaction
	(transaction_id, from_account_id, to_account_id, amount, description, idempotent_id, processed_at, status)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (transaction_id) DO NOTHING`

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	for _, tx := range txs {
		idem := sql.NullString{String: tx.IdempotencyKey, Valid: tx.IdempotencyKey != ""}
		_, err = dbTx.ExecContext(ctx, query,
			tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.Description, idem, tx.ProcessedAt, string(tx.Status))
		if err != nil {
			return fmt.Errorf("postgres: insert transaction %s: %w", tx.ID, err)
		}
	}
	return dbTx.Commit()
}

func (p *PostgresMirrorStore) LoadAccounts(ctx context.Context) ([]models.Account, error) {
	const query = `SELECT account_id, user_id, account_type, balance, created_at, updated_at FROM account`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var (
			a           models.Account
			accountType string
		)
		if err := rows.Scan(&a.AccountID, &a.UserID, &accountType, &a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.AccountType = models.AccountType(accountType)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (p *PostgresMirrorStore) LoadTransactions(ctx context.Context) ([]models.Transaction, error) {
	const query = `SELECT transaction_id, from_account_id, to_account_id, amount, description, idempotent_id, processed_at, status
	FROM processed_transaction ORDER BY processed_at`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var (
			tx     models.Transaction
			desc   sql.NullString
			idem   sql.NullString
			status string
		)
		if err := rows.Scan(&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.Amount, &desc, &idem, &tx.ProcessedAt, &status); err != nil {
			return nil, err
		}
		tx.Description = desc.String
		tx.IdempotencyKey = idem.String
		tx.Status = models.TransactionStatus(status)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

var _ interfaces.MirrorStore = (*PostgresMirrorStore)(nil)
