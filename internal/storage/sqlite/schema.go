package sqlite

// Schema creates the corpus tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	id                 INTEGER PRIMARY KEY,
	display_name       TEXT NOT NULL,
	city               TEXT NOT NULL DEFAULT '',
	region             TEXT NOT NULL DEFAULT '',
	aum                REAL,
	aum_normalized     INTEGER NOT NULL DEFAULT 0,
	private_fund_count INTEGER NOT NULL DEFAULT 0,
	private_fund_aum   REAL NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_region ON entities(region);

CREATE TABLE IF NOT EXISTS narratives (
	entity_id       INTEGER PRIMARY KEY,
	narrative_text  TEXT NOT NULL DEFAULT '',
	text_hash       TEXT NOT NULL DEFAULT '',
	embedding       BLOB,
	embedding_dim   INTEGER,
	embedding_model TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_narratives_backlog
	ON narratives(entity_id) WHERE embedding IS NULL;
`
