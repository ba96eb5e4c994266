package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS key_records (
	address BYTEA PRIMARY KEY,
	keystore_json BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT address_len CHECK (octet_length(address) = 20)
);
`
