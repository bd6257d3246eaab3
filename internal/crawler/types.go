// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// ItemStatus represents the lifecycle state of a stored item record.
type ItemStatus string

// Item status values persisted in the item store.
const (
	ItemStatusNew     ItemStatus = "new"
	ItemStatusFetched ItemStatus = "fetched"
	ItemStatusFailed  ItemStatus = "failed"
)

// Rating is the categorical star rating recovered from the rating marker.
type Rating string

// Supported rating tokens. RatingUnknown marks a marker whose class matched nothing.
const (
	RatingZero    Rating = "Zero"
	RatingOne     Rating = "One"
	RatingTwo     Rating = "Two"
	RatingThree   Rating = "Three"
	RatingFour    Rating = "Four"
	RatingFive    Rating = "Five"
	RatingUnknown Rating = "Unknown"
)

// Stars maps a rating to its numeric scale for sorting; unknown or empty ratings sort lowest.
func (r Rating) Stars() int {
	switch r {
	case RatingOne:
		return 1
	case RatingTwo:
		return 2
	case RatingThree:
		return 3
	case RatingFour:
		return 4
	case RatingFive:
		return 5
	case RatingZero:
		return 0
	default:
		return -1
	}
}

// Price is a parsed monetary value. Amount is nil when the text had no numeric run.
type Price struct {
	Amount   *float64 `json:"amount"`
	Currency string   `json:"currency"`
}

// Equal reports whether two prices carry the same amount and currency.
func (p *Price) Equal(other *Price) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	if p.Currency != other.Currency {
		return false
	}
	if p.Amount == nil || other.Amount == nil {
		return p.Amount == nil && other.Amount == nil
	}
	return *p.Amount == *other.Amount
}

// Item is the stored record for one catalog entry. Identity is its canonical source URL.
type Item struct {
	Identity          string     `json:"identity"`
	SourceKey         string     `json:"source_key"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Category          string     `json:"category,omitempty"`
	PriceIncludingTax *Price     `json:"price_including_tax"`
	PriceExcludingTax *Price     `json:"price_excluding_tax"`
	Availability      string     `json:"availability,omitempty"`
	ReviewCount       *int       `json:"review_count"`
	Rating            Rating     `json:"rating,omitempty"`
	ImageURL          string     `json:"image_url,omitempty"`
	RawURI            string     `json:"raw_uri,omitempty"`
	Fingerprint       string     `json:"fingerprint,omitempty"`
	Status            ItemStatus `json:"status"`
	ErrorText         string     `json:"error,omitempty"`
	ObservedAt        time.Time  `json:"observed_at"`
}

// ChangeType distinguishes first observations from field updates.
type ChangeType string

// Change types recorded in the change log.
const (
	ChangeTypeNew     ChangeType = "new"
	ChangeTypeUpdated ChangeType = "updated"
)

// Classification is the outcome of comparing an observed item with stored state.
type Classification string

// Classification outcomes. Every observation yields exactly one.
const (
	ClassificationNew       Classification = "new"
	ClassificationUpdated   Classification = "updated"
	ClassificationUnchanged Classification = "unchanged"
)

// FieldChange holds the stored and observed values of one differing field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeEvent is an append-only audit record of a detected transition.
type ChangeEvent struct {
	ID         string                 `json:"id"`
	Identity   string                 `json:"identity"`
	SourceKey  string                 `json:"source_key"`
	Type       ChangeType             `json:"change_type"`
	Changes    map[string]FieldChange `json:"changes,omitempty"`
	ObservedAt time.Time              `json:"timestamp"`
}

// CrawlProgress is the resumability checkpoint for one source key.
type CrawlProgress struct {
	SourceKey string    `json:"source_key"`
	LastPage  int       `json:"last_page"`
	Done      bool      `json:"done"`
	Failed    bool      `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SourceKey string
	URL       string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// SortKey selects the ordering used by item queries.
type SortKey string

// Supported item sort keys.
const (
	SortNone    SortKey = ""
	SortRating  SortKey = "rating"
	SortPrice   SortKey = "price"
	SortReviews SortKey = "reviews"
)

// Query paging bounds.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// ParseSortKey validates a sort key supplied by a caller.
func ParseSortKey(raw string) (SortKey, error) {
	switch key := SortKey(raw); key {
	case SortNone, SortRating, SortPrice, SortReviews:
		return key, nil
	default:
		return "", fmt.Errorf("unknown sort key %q", raw)
	}
}

// ItemFilter narrows item queries. Zero values disable the corresponding filter.
// Category and Rating match case-insensitively; price bounds apply to the
// tax-inclusive amount. Rating sorts descending by stars, price ascending,
// reviews descending; ties break on identity.
type ItemFilter struct {
	Category string
	MinPrice *float64
	MaxPrice *float64
	Rating   string
	SortBy   SortKey
	Page     int
	PerPage  int
}

// Normalize applies paging defaults and clamps PerPage to MaxPerPage.
func (f ItemFilter) Normalize() ItemFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
	return f
}

// Offset is the number of rows skipped before the requested page.
func (f ItemFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// TotalPages returns the number of pages needed for total rows.
func TotalPages(total, perPage int) int {
	if total <= 0 || perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

// ItemPage is one page of an item query.
type ItemPage struct {
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PerPage    int    `json:"per_page"`
	TotalPages int    `json:"total_pages"`
	Items      []Item `json:"items"`
}
