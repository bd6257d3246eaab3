package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// Gateway implements crawler.Gateway. A single mutex serializes every
// operation, so concurrent upserts of one identity converge to one record.
type Gateway struct {
	mu       sync.RWMutex
	items    map[string]crawler.Item
	progress map[string]crawler.CrawlProgress
	events   []crawler.ChangeEvent
}

// NewGateway constructs an empty Gateway.
func NewGateway() *Gateway {
	return &Gateway{
		items:    make(map[string]crawler.Item),
		progress: make(map[string]crawler.CrawlProgress),
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (g *Gateway) EnsureSchema(context.Context) error {
	return nil
}

// UpsertItem replaces the record stored under item.Identity.
func (g *Gateway) UpsertItem(_ context.Context, item crawler.Item) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items[item.Identity] = cloneItem(item)
	return nil
}

// GetItem returns the record for identity or crawler.ErrNotFound.
func (g *Gateway) GetItem(_ context.Context, identity string) (crawler.Item, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	item, ok := g.items[identity]
	if !ok {
		return crawler.Item{}, crawler.ErrNotFound
	}
	return cloneItem(item), nil
}

// MarkItemFailed flags identity as failed, preserving any known fields.
func (g *Gateway) MarkItemFailed(_ context.Context, identity, sourceKey, errText string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	item, ok := g.items[identity]
	if !ok {
		item = crawler.Item{Identity: identity, SourceKey: sourceKey}
	}
	item.Status = crawler.ItemStatusFailed
	item.ErrorText = errText
	item.ObservedAt = at
	g.items[identity] = item
	return nil
}

// SaveProgress upserts the checkpoint for progress.SourceKey.
func (g *Gateway) SaveProgress(_ context.Context, progress crawler.CrawlProgress) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.progress[progress.SourceKey] = progress
	return nil
}

// GetProgress returns the checkpoint for sourceKey or crawler.ErrNotFound.
func (g *Gateway) GetProgress(_ context.Context, sourceKey string) (crawler.CrawlProgress, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	progress, ok := g.progress[sourceKey]
	if !ok {
		return crawler.CrawlProgress{}, crawler.ErrNotFound
	}
	return progress, nil
}

// AppendChangeEvent appends event to the change log.
func (g *Gateway) AppendChangeEvent(_ context.Context, event crawler.ChangeEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
	return nil
}

// ListItems filters, sorts, and pages the stored records.
func (g *Gateway) ListItems(_ context.Context, filter crawler.ItemFilter) (crawler.ItemPage, error) {
	filter = filter.Normalize()

	g.mu.RLock()
	matched := make([]crawler.Item, 0, len(g.items))
	for _, item := range g.items {
		if matches(item, filter) {
			matched = append(matched, cloneItem(item))
		}
	}
	g.mu.RUnlock()

	sortItems(matched, filter.SortBy)

	page := crawler.ItemPage{
		Total:      len(matched),
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalPages: crawler.TotalPages(len(matched), filter.PerPage),
		Items:      []crawler.Item{},
	}
	if start := filter.Offset(); start < len(matched) {
		end := min(start+filter.PerPage, len(matched))
		page.Items = matched[start:end]
	}
	return page, nil
}

// ListChangeEvents returns events with from <= timestamp < to in timestamp
// order. A zero bound is open.
func (g *Gateway) ListChangeEvents(_ context.Context, from, to time.Time) ([]crawler.ChangeEvent, error) {
	g.mu.RLock()
	out := make([]crawler.ChangeEvent, 0, len(g.events))
	for _, event := range g.events {
		if !from.IsZero() && event.ObservedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !event.ObservedAt.Before(to) {
			continue
		}
		out = append(out, event)
	}
	g.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (g *Gateway) Close() error {
	return nil
}

func matches(item crawler.Item, filter crawler.ItemFilter) bool {
	if filter.Category != "" && !strings.EqualFold(item.Category, filter.Category) {
		return false
	}
	if filter.Rating != "" && !strings.EqualFold(string(item.Rating), filter.Rating) {
		return false
	}
	if filter.MinPrice != nil || filter.MaxPrice != nil {
		amount, ok := priceAmount(item)
		if !ok {
			return false
		}
		if filter.MinPrice != nil && amount < *filter.MinPrice {
			return false
		}
		if filter.MaxPrice != nil && amount > *filter.MaxPrice {
			return false
		}
	}
	return true
}

func priceAmount(item crawler.Item) (float64, bool) {
	if item.PriceIncludingTax == nil || item.PriceIncludingTax.Amount == nil {
		return 0, false
	}
	return *item.PriceIncludingTax.Amount, true
}

func reviewCount(item crawler.Item) (int, bool) {
	if item.ReviewCount == nil {
		return 0, false
	}
	return *item.ReviewCount, true
}

// sortItems orders items by key; missing values sort last and identity breaks ties.
func sortItems(items []crawler.Item, key crawler.SortKey) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch key {
		case crawler.SortRating:
			if a.Rating.Stars() != b.Rating.Stars() {
				return a.Rating.Stars() > b.Rating.Stars()
			}
		case crawler.SortPrice:
			pa, okA := priceAmount(a)
			pb, okB := priceAmount(b)
			if okA != okB {
				return okA
			}
			if pa != pb {
				return pa < pb
			}
		case crawler.SortReviews:
			ra, okA := reviewCount(a)
			rb, okB := reviewCount(b)
			if okA != okB {
				return okA
			}
			if ra != rb {
				return ra > rb
			}
		}
		return a.Identity < b.Identity
	})
}

func cloneItem(item crawler.Item) crawler.Item {
	item.PriceIncludingTax = clonePrice(item.PriceIncludingTax)
	item.PriceExcludingTax = clonePrice(item.PriceExcludingTax)
	if item.ReviewCount != nil {
		n := *item.ReviewCount
		item.ReviewCount = &n
	}
	return item
}

func clonePrice(p *crawler.Price) *crawler.Price {
	if p == nil {
		return nil
	}
	out := &crawler.Price{Currency: p.Currency}
	if p.Amount != nil {
		amount := *p.Amount
		out.Amount = &amount
	}
	return out
}
