package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settlement_ops (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	user_id TEXT NOT NULL,
	from_address BYTEA NOT NULL,
	to_address BYTEA NOT NULL,
	amount NUMERIC NOT NULL,
	fee NUMERIC NOT NULL DEFAULT 0,

	status SMALLINT NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	tx_hash BYTEA,
	nonce BIGINT,
	raw_tx BYTEA,
	last_error TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT kind_valid CHECK (kind IN ('withdraw', 'sweep')),
	CONSTRAINT amount_pos CHECK (amount > 0),
	CONSTRAINT fee_nonneg CHECK (fee >= 0),
	CONSTRAINT attempts_nonneg CHECK (attempts >= 0),
	CONSTRAINT from_address_len CHECK (octet_length(from_address) = 20),
	CONSTRAINT to_address_len CHECK (octet_length(to_address) = 20),
	CONSTRAINT tx_hash_len CHECK (tx_hash IS NULL OR octet_length(tx_hash) = 32),
	CONSTRAINT nonce_nonneg CHECK (nonce IS NULL OR nonce >= 0)
);

ALTER TABLE settlement_ops ADD COLUMN IF NOT EXISTS raw_tx BYTEA;
ALTER TABLE settlement_ops DROP CONSTRAINT IF EXISTS status_range;
ALTER TABLE settlement_ops ADD CONSTRAINT status_range CHECK (status >= 0 AND status <= 6);

CREATE INDEX IF NOT EXISTS settlement_ops_status_idx ON settlement_ops (status, created_at);
CREATE INDEX IF NOT EXISTS settlement_ops_user_idx ON settlement_ops (user_id, created_at);
`
