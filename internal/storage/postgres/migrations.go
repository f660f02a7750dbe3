package postgres

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS account (
    account_id   TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    account_type TEXT NOT NULL,
    balance      NUMERIC(38, 8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_account_user_id ON account (user_id)`,
	`CREATE TABLE IF NOT EXISTS processed_transaction (
    transaction_id  TEXT PRIMARY KEY,
    from_account_id TEXT NOT NULL,
    to_account_id   TEXT NOT NULL,
    amount          NUMERIC(38, 8) NOT NULL CHECK (amount > 0),
    description     TEXT,
    idempotent_id   TEXT,
    processed_at    TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_transaction_idem ON processed_transaction (idempotent_id)`,
}
