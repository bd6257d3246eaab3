package postgres

const itemColumns = `identity, source_key, name, description, category,
	price_including_tax, price_excluding_tax, availability, review_count, rating,
	image_url, raw_uri, fingerprint, status, error_text, observed_at`

const (
	priceAmountExpr = "(price_including_tax->>'amount')::double precision"
	ratingStarsExpr = `CASE lower(rating)
		WHEN 'five' THEN 5 WHEN 'four' THEN 4 WHEN 'three' THEN 3
		WHEN 'two' THEN 2 WHEN 'one' THEN 1 WHEN 'zero' THEN 0 ELSE -1 END`
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
	identity            TEXT PRIMARY KEY,
	source_key          TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL DEFAULT '',
	price_including_tax JSONB,
	price_excluding_tax JSONB,
	availability        TEXT NOT NULL DEFAULT '',
	review_count        INTEGER,
	rating              TEXT NOT NULL DEFAULT '',
	image_url           TEXT NOT NULL DEFAULT '',
	raw_uri             TEXT NOT NULL DEFAULT '',
	fingerprint         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	error_text          TEXT NOT NULL DEFAULT '',
	observed_at         TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS items_category_idx ON items (lower(category))`,
	`CREATE TABLE IF NOT EXISTS crawl_progress (
	source_key TEXT PRIMARY KEY,
	last_page  INTEGER NOT NULL,
	done       BOOLEAN NOT NULL DEFAULT FALSE,
	failed     BOOLEAN NOT NULL DEFAULT FALSE,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS change_events (
	id          TEXT PRIMARY KEY,
	identity    TEXT NOT NULL,
	source_key  TEXT NOT NULL DEFAULT '',
	change_type TEXT NOT NULL,
	changes     JSONB,
	observed_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS change_events_observed_at_idx ON change_events (observed_at)`,
	`CREATE INDEX IF NOT EXISTS change_events_identity_idx ON change_events (identity, observed_at)`,
}

const upsertItemSQL = `
INSERT INTO items (` + itemColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (identity) DO UPDATE SET
	source_key = EXCLUDED.source_key,
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	category = EXCLUDED.category,
	price_including_tax = EXCLUDED.price_including_tax,
	price_excluding_tax = EXCLUDED.price_excluding_tax,
	availability = EXCLUDED.availability,
	review_count = EXCLUDED.review_count,
	rating = EXCLUDED.rating,
	image_url = EXCLUDED.image_url,
	raw_uri = EXCLUDED.raw_uri,
	fingerprint = EXCLUDED.fingerprint,
	status = EXCLUDED.status,
	error_text = EXCLUDED.error_text,
	observed_at = EXCLUDED.observed_at`

const markFailedSQL = `
INSERT INTO items (identity, source_key, status, error_text, observed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (identity) DO UPDATE SET
	status = EXCLUDED.status,
	error_text = EXCLUDED.error_text,
	observed_at = EXCLUDED.observed_at`

const saveProgressSQL = `
INSERT INTO crawl_progress (source_key, last_page, done, failed, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_key) DO UPDATE SET
	last_page = EXCLUDED.last_page,
	done = EXCLUDED.done,
	failed = EXCLUDED.failed,
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at`
