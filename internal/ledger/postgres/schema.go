package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',

	balance NUMERIC NOT NULL DEFAULT 0,
	pending_withdraw NUMERIC NOT NULL DEFAULT 0,

	state SMALLINT NOT NULL DEFAULT 0,
	deposit_address BYTEA UNIQUE,
	pending_address BYTEA UNIQUE,
	block_cursor BIGINT NOT NULL DEFAULT 0,
	notified BOOLEAN NOT NULL DEFAULT false,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT balance_nonneg CHECK (balance >= 0),
	CONSTRAINT pending_withdraw_nonneg CHECK (pending_withdraw >= 0),
	CONSTRAINT state_range CHECK (state >= 0 AND state <= 3),
	CONSTRAINT block_cursor_nonneg CHECK (block_cursor >= 0),
	CONSTRAINT deposit_address_len CHECK (deposit_address IS NULL OR octet_length(deposit_address) = 20),
	CONSTRAINT pending_address_len CHECK (pending_address IS NULL OR octet_length(pending_address) = 20),
	CONSTRAINT ready_has_address CHECK (state <> 2 OR deposit_address IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS accounts_state_idx ON accounts (state, user_id);

CREATE TABLE IF NOT EXISTS ledger_refs (
	ref TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
