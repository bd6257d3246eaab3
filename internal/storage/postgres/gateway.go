// Package postgres provides the Postgres-backed crawler.Gateway.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Gateway persists items, progress, and change events in Postgres.
// Uniqueness is enforced by primary keys; upserts use ON CONFLICT.
type Gateway struct {
	pool pool
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Gateway{pool: p}, nil
}

// NewWithPool constructs a gateway from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Gateway, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Gateway{pool: p}, nil
}

// Close releases the underlying pool resources.
func (g *Gateway) Close() error {
	if g == nil || g.pool == nil {
		return nil
	}
	g.pool.Close()
	return nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := g.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
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
	_, err = g.pool.Exec(ctx, upsertItemSQL,
		item.Identity,
		item.SourceKey,
		item.Name,
		item.Description,
		item.Category,
		incl,
		excl,
		item.Availability,
		item.ReviewCount,
		string(item.Rating),
		item.ImageURL,
		item.RawURI,
		item.Fingerprint,
		string(item.Status),
		item.ErrorText,
		item.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// GetItem returns the record for identity or crawler.ErrNotFound.
func (g *Gateway) GetItem(ctx context.Context, identity string) (crawler.Item, error) {
	row := g.pool.QueryRow(ctx, "SELECT "+itemColumns+" FROM items WHERE identity = $1", identity)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Item{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// MarkItemFailed flags identity as failed, inserting a placeholder when unknown.
func (g *Gateway) MarkItemFailed(ctx context.Context, identity, sourceKey, errText string, at time.Time) error {
	_, err := g.pool.Exec(ctx, markFailedSQL, identity, sourceKey, string(crawler.ItemStatusFailed), errText, at)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return nil
}

// SaveProgress upserts the checkpoint for progress.SourceKey.
func (g *Gateway) SaveProgress(ctx context.Context, progress crawler.CrawlProgress) error {
	_, err := g.pool.Exec(ctx, saveProgressSQL,
		progress.SourceKey,
		progress.LastPage,
		progress.Done,
		progress.Failed,
		progress.LastError,
		progress.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// GetProgress returns the checkpoint for sourceKey or crawler.ErrNotFound.
func (g *Gateway) GetProgress(ctx context.Context, sourceKey string) (crawler.CrawlProgress, error) {
	var p crawler.CrawlProgress
	err := g.pool.QueryRow(ctx, `
SELECT source_key, last_page, done, failed, last_error, updated_at
FROM crawl_progress WHERE source_key = $1`, sourceKey).
		Scan(&p.SourceKey, &p.LastPage, &p.Done, &p.Failed, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlProgress{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.CrawlProgress{}, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

// AppendChangeEvent inserts event into the append-only change log.
func (g *Gateway) AppendChangeEvent(ctx context.Context, event crawler.ChangeEvent) error {
	changes, err := json.Marshal(event.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = g.pool.Exec(ctx, `
INSERT INTO change_events (id, identity, source_key, change_type, changes, observed_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Identity, event.SourceKey, string(event.Type), changes, event.ObservedAt)
	if err != nil {
		return fmt.Errorf("append change event: %w", err)
	}
	return nil
}

// ListItems filters, sorts, and pages stored records.
func (g *Gateway) ListItems(ctx context.Context, filter crawler.ItemFilter) (crawler.ItemPage, error) {
	filter = filter.Normalize()
	where, args := buildWhere(filter)

	var total int
	if err := g.pool.QueryRow(ctx, "SELECT count(*) FROM items"+where, args...).Scan(&total); err != nil {
		return crawler.ItemPage{}, fmt.Errorf("count items: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM items%s ORDER BY %s LIMIT $%d OFFSET $%d",
		itemColumns, where, orderBy(filter.SortBy), len(args)+1, len(args)+2)
	rows, err := g.pool.Query(ctx, query, append(args, filter.PerPage, filter.Offset())...)
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
	var (
		clauses []string
		args    []any
	)
	if !from.IsZero() {
		args = append(args, from)
		clauses = append(clauses, fmt.Sprintf("observed_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		clauses = append(clauses, fmt.Sprintf("observed_at < $%d", len(args)))
	}
	query := "SELECT id, identity, source_key, change_type, changes, observed_at FROM change_events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY observed_at, id"

	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	events := []crawler.ChangeEvent{}
	for rows.Next() {
		var (
			event   crawler.ChangeEvent
			kind    string
			changes []byte
		)
		if err := rows.Scan(&event.ID, &event.Identity, &event.SourceKey, &kind, &changes, &event.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		event.Type = crawler.ChangeType(kind)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &event.Changes); err != nil {
				return nil, fmt.Errorf("decode changes: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return events, nil
}

func buildWhere(filter crawler.ItemFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Category != "" {
		add("lower(category) = lower($%d)", filter.Category)
	}
	if filter.Rating != "" {
		add("lower(rating) = lower($%d)", filter.Rating)
	}
	if filter.MinPrice != nil {
		add(priceAmountExpr+" >= $%d", *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		add(priceAmountExpr+" <= $%d", *filter.MaxPrice)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
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

func scanItem(row pgx.Row) (crawler.Item, error) {
	var (
		item        crawler.Item
		incl, excl  []byte
		reviewCount *int
		rating      string
		status      string
	)
	err := row.Scan(
		&item.Identity,
		&item.SourceKey,
		&item.Name,
		&item.Description,
		&item.Category,
		&incl,
		&excl,
		&item.Availability,
		&reviewCount,
		&rating,
		&item.ImageURL,
		&item.RawURI,
		&item.Fingerprint,
		&status,
		&item.ErrorText,
		&item.ObservedAt,
	)
	if err != nil {
		return crawler.Item{}, err
	}
	item.ReviewCount = reviewCount
	item.Rating = crawler.Rating(rating)
	item.Status = crawler.ItemStatus(status)
	if item.PriceIncludingTax, err = decodePrice(incl); err != nil {
		return crawler.Item{}, err
	}
	if item.PriceExcludingTax, err = decodePrice(excl); err != nil {
		return crawler.Item{}, err
	}
	return item, nil
}

func encodePrice(p *crawler.Price) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal price: %w", err)
	}
	return data, nil
}

func decodePrice(data []byte) (*crawler.Price, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p crawler.Price
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode price: %w", err)
	}
	return &p, nil
}
