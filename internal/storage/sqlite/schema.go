package sqlite

const itemColumns = `identity, source_key, name, description, category,
	price_including_tax, price_excluding_tax, availability, review_count, rating,
	image_url, raw_uri, fingerprint, status, error_text, observed_at`

const (
	priceAmountExpr = "json_extract(price_including_tax, '$.amount')"
	ratingStarsExpr = `CASE lower(rating)
		WHEN 'five' THEN 5 WHEN 'four' THEN 4 WHEN 'three' THEN 3
		WHEN 'two' THEN 2 WHEN 'one' THEN 1 WHEN 'zero' THEN 0 ELSE -1 END`
)

const schema = `
	CREATE TABLE IF NOT EXISTS items (
		identity            TEXT PRIMARY KEY,
		source_key          TEXT NOT NULL DEFAULT '',
		name                TEXT NOT NULL DEFAULT '',
		description         TEXT NOT NULL DEFAULT '',
		category            TEXT NOT NULL DEFAULT '',
		price_including_tax TEXT,
		price_excluding_tax TEXT,
		availability        TEXT NOT NULL DEFAULT '',
		review_count        INTEGER,
		rating              TEXT NOT NULL DEFAULT '',
		image_url           TEXT NOT NULL DEFAULT '',
		raw_uri             TEXT NOT NULL DEFAULT '',
		fingerprint         TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		error_text          TEXT NOT NULL DEFAULT '',
		observed_at         TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS items_category_idx ON items (lower(category));

	CREATE TABLE IF NOT EXISTS crawl_progress (
		source_key TEXT PRIMARY KEY,
		last_page  INTEGER NOT NULL,
		done       INTEGER NOT NULL DEFAULT 0,
		failed     INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS change_events (
		id          TEXT PRIMARY KEY,
		identity    TEXT NOT NULL,
		source_key  TEXT NOT NULL DEFAULT '',
		change_type TEXT NOT NULL,
		changes     TEXT,
		observed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS change_events_observed_at_idx ON change_events (observed_at);
	CREATE INDEX IF NOT EXISTS change_events_identity_idx ON change_events (identity, observed_at);
`
