// Package sqlite provides a single-node crawler.Gateway on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite3" database/sql driver and embeds the SQLite build.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Gateway persists items, progress, and change events in a SQLite file.
type Gateway struct {
	db   *sql.DB
	path string
}

// Open opens the database at path (":memory:" for an in-memory database)
// and applies connection pragmas. EnsureSchema must be called before use.
func Open(path string) (*Gateway, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time; a single connection also keeps
	// an in-memory database alive for the gateway's lifetime.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &Gateway{db: db, path: path}, nil
}

// Close closes the database connection.
func (g *Gateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertItem writes the full record for item.Identity.
func (g *Gateway) UpsertItem(ctx context.Context, item crawler.Item) error {
	incl, err := encodePrice(item.PriceIncludingTax)
	if err != nil {
		return err
	}
	excl, err := encodePrice(item.PriceExcludingTax)
	if err != nil {
		return err
	}
	var reviews sql.NullInt64
	if item.ReviewCount != nil {
		reviews = sql.NullInt64{Int64: int64(*item.ReviewCount), Valid: true}
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			source_key = excluded.source_key,
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			price_including_tax = excluded.price_including_tax,
			price_excluding_tax = excluded.price_excluding_tax,
			availability = excluded.availability,
			review_count = excluded.review_count,
			rating = excluded.rating,
			image_url = excluded.image_url,
			raw_uri = excluded.raw_uri,
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			error_text = excluded.error_text,
			observed_at = excluded.observed_at`,
		item.Identity, item.SourceKey, item.Name, item.Description, item.Category,
		incl, excl, item.Availability, reviews, string(item.Rating),
		item.ImageURL, item.RawURI, item.Fingerprint, string(item.Status), item.ErrorText,
		formatTime(item.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// GetItem returns the record for identity or crawler.ErrNotFound.
func (g *Gateway) GetItem(ctx context.Context, identity string) (crawler.Item, error) {
	row := g.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE identity = ?", identity)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Item{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// MarkItemFailed flags identity as failed, inserting a placeholder when unknown.
func (g *Gateway) MarkItemFailed(ctx context.Context, identity, sourceKey, errText string, at time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO items (identity, source_key, status, error_text, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			status = excluded.status,
			error_text = excluded.error_text,
			observed_at = excluded.observed_at`,
		identity, sourceKey, string(crawler.ItemStatusFailed), errText, formatTime(at))
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return nil
}

// SaveProgress upserts the checkpoint for progress.SourceKey.
func (g *Gateway) SaveProgress(ctx context.Context, progress crawler.CrawlProgress) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO crawl_progress (source_key, last_page, done, failed, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_key) DO UPDATE SET
			last_page = excluded.last_page,
			done = excluded.done,
			failed = excluded.failed,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		progress.SourceKey, progress.LastPage, progress.Done, progress.Failed,
		progress.LastError, formatTime(progress.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// GetProgress returns the checkpoint for sourceKey or crawler.ErrNotFound.
func (g *Gateway) GetProgress(ctx context.Context, sourceKey string) (crawler.CrawlProgress, error) {
	var (
		p         crawler.CrawlProgress
		updatedAt string
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT source_key, last_page, done, failed, last_error, updated_at
		FROM crawl_progress WHERE source_key = ?`, sourceKey).
		Scan(&p.SourceKey, &p.LastPage, &p.Done, &p.Failed, &p.LastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.CrawlProgress{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CrawlProgress{}, fmt.Errorf("get progress: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return crawler.CrawlProgress{}, err
	}
	return p, nil
}

// AppendChangeEvent inserts event into the append-only change log.
func (g *Gateway) AppendChangeEvent(ctx context.Context, event crawler.ChangeEvent) error {
	changes, err := json.Marshal(event.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO change_events (id, identity, source_key, change_type, changes, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Identity, event.SourceKey, string(event.Type), string(changes), formatTime(event.ObservedAt))
	if err != nil {
		return fmt.Errorf("append change event: %w", err)
	}
	return nil
}

// ListItems filters, sorts, and pages stored records.
func (g *Gateway) ListItems(ctx context.Context, filter crawler.ItemFilter) (crawler.ItemPage, error) {
	filter = filter.Normalize()

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(" FROM items WHERE 1=1")
	if filter.Category != "" {
		query.WriteString(" AND lower(category) = lower(?)")
		args = append(args, filter.Category)
	}
	if filter.Rating != "" {
		query.WriteString(" AND lower(rating) = lower(?)")
		args = append(args, filter.Rating)
	}
	if filter.MinPrice != nil {
		query.WriteString(" AND " + priceAmountExpr + " >= ?")
		args = append(args, *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		query.WriteString(" AND " + priceAmountExpr + " <= ?")
		args = append(args, *filter.MaxPrice)
	}

	var total int
	if err := g.db.QueryRowContext(ctx, "SELECT COUNT(*)"+query.String(), args...).Scan(&total); err != nil {
		return crawler.ItemPage{}, fmt.Errorf("count items: %w", err)
	}

	rows, err := g.db.QueryContext(ctx,
		"SELECT "+itemColumns+query.String()+" ORDER BY "+orderBy(filter.SortBy)+" LIMIT ? OFFSET ?",
		append(args, filter.PerPage, filter.Offset())...)
	if err != nil {
		return crawler.ItemPage{}, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []crawler.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return crawler.ItemPage{}, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return crawler.ItemPage{}, fmt.Errorf("iterate items: %w", err)
	}

	return crawler.ItemPage{
		Total:      total,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalPages: crawler.TotalPages(total, filter.PerPage),
		Items:      items,
	}, nil
}

// ListChangeEvents returns events with from <= observed_at < to. A zero bound is open.
func (g *Gateway) ListChangeEvents(ctx context.Context, from, to time.Time) ([]crawler.ChangeEvent, error) {
	query := "SELECT id, identity, source_key, change_type, changes, observed_at FROM change_events WHERE 1=1"
	var args []any
	if !from.IsZero() {
		query += " AND observed_at >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += " AND observed_at < ?"
		args = append(args, formatTime(to))
	}
	query += " ORDER BY observed_at, id"

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	events := []crawler.ChangeEvent{}
	for rows.Next() {
		var (
			event      crawler.ChangeEvent
			kind       string
			changes    sql.NullString
			observedAt string
		)
		if err := rows.Scan(&event.ID, &event.Identity, &event.SourceKey, &kind, &changes, &observedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		event.Type = crawler.ChangeType(kind)
		if changes.Valid && changes.String != "" {
			if err := json.Unmarshal([]byte(changes.String), &event.Changes); err != nil {
				return nil, fmt.Errorf("decode changes: %w", err)
			}
		}
		if event.ObservedAt, err = parseTime(observedAt, "observed_at"); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (crawler.Item, error) {
	var (
		item                crawler.Item
		incl, excl          sql.NullString
		reviews             sql.NullInt64
		rating, status, obs string
	)
	err := row.Scan(
		&item.Identity, &item.SourceKey, &item.Name, &item.Description, &item.Category,
		&incl, &excl, &item.Availability, &reviews, &rating,
		&item.ImageURL, &item.RawURI, &item.Fingerprint, &status, &item.ErrorText, &obs,
	)
	if err != nil {
		return crawler.Item{}, err
	}
	if reviews.Valid {
		n := int(reviews.Int64)
		item.ReviewCount = &n
	}
	item.Rating = crawler.Rating(rating)
	item.Status = crawler.ItemStatus(status)
	if item.PriceIncludingTax, err = decodePrice(incl); err != nil {
		return crawler.Item{}, err
	}
	if item.PriceExcludingTax, err = decodePrice(excl); err != nil {
		return crawler.Item{}, err
	}
	if item.ObservedAt, err = parseTime(obs, "observed_at"); err != nil {
		return crawler.Item{}, err
	}
	return item, nil
}

func orderBy(key crawler.SortKey) string {
	switch key {
	case crawler.SortRating:
		return ratingStarsExpr + " DESC, identity"
	case crawler.SortPrice:
		return priceAmountExpr + " ASC NULLS LAST, identity"
	case crawler.SortReviews:
		return "review_count DESC NULLS LAST, identity"
	default:
		return "identity"
	}
}

func encodePrice(p *crawler.Price) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal price: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodePrice(raw sql.NullString) (*crawler.Price, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var p crawler.Price
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, fmt.Errorf("decode price: %w", err)
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value, field string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return t, nil
}
