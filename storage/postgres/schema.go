package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS relayer_leaves (
	idx BIGINT PRIMARY KEY,
	commitment BYTEA NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT relayer_leaves_idx_chk CHECK (idx >= 0),
	CONSTRAINT relayer_leaves_commitment_len_chk CHECK (octet_length(commitment) = 32)
);

CREATE TABLE IF NOT EXISTS relayer_meta (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	depth INTEGER NOT NULL,
	leaf_count BIGINT NOT NULL,
	last_txid TEXT NOT NULL DEFAULT '',
	last_event_index BIGINT NOT NULL DEFAULT 0,
	last_block_height BIGINT NOT NULL DEFAULT 0,
	processed BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT relayer_meta_singleton_chk CHECK (id = 1)
);
`
