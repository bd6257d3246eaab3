package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
)

// PaginationKind selects how page URLs are produced.
type PaginationKind string

// Supported pagination kinds. Only PaginationPattern is executed by the orchestrator.
const (
	PaginationPattern PaginationKind = "pattern"
	PaginationLink    PaginationKind = "link"
)

// pagePlaceholder is substituted with the page index in pagination templates.
const pagePlaceholder = "{page}"

// Pagination describes the deterministic page URL scheme of a catalog.
type Pagination struct {
	Kind      PaginationKind `mapstructure:"kind" json:"kind"`
	Template  string         `mapstructure:"template" json:"template"`
	// StartPage is the first page index; nil means 1. Zero-indexed catalogs set 0.
	StartPage *int `mapstructure:"start_page" json:"start_page,omitempty"`
	// MaxPages bounds the last page index visited; zero means until the catalog runs dry.
	MaxPages int `mapstructure:"max_pages" json:"max_pages,omitempty"`
	// EndOnNotFound treats a 404 for a page URL as pagination exhausted
	// rather than a failed page. Catalogs that 404 past their last page need it.
	EndOnNotFound bool `mapstructure:"end_on_not_found" json:"end_on_not_found,omitempty"`
}

// First returns the index of the first page.
func (p Pagination) First() int {
	if p.StartPage == nil {
		return 1
	}
	return *p.StartPage
}

// PageURL renders the URL for a page index.
func (p Pagination) PageURL(page int) (string, error) {
	if p.Kind != PaginationPattern {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPagination, p.Kind)
	}
	return strings.ReplaceAll(p.Template, pagePlaceholder, strconv.Itoa(page)), nil
}

// IsEnd reports whether err from fetching a page marks the end of the catalog.
func (p Pagination) IsEnd(err error) bool {
	if !p.EndOnNotFound {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound
}

// Exceeds reports whether page lies beyond the configured MaxPages.
func (p Pagination) Exceeds(page int) bool {
	return p.MaxPages > 0 && page > p.MaxPages
}

// Selectors maps record fields to CSS selectors. ItemCard and ItemLink are
// evaluated on listing pages; the rest on item pages. ItemLink resolves both
// the child locator and the item identity.
type Selectors struct {
	ItemCard          string `mapstructure:"item_card" json:"item_card"`
	ItemLink          string `mapstructure:"item_link" json:"item_link"`
	Name              string `mapstructure:"name" json:"name"`
	PriceIncludingTax string `mapstructure:"price_including_tax" json:"price_including_tax"`
	PriceExcludingTax string `mapstructure:"price_excluding_tax" json:"price_excluding_tax"`
	Availability      string `mapstructure:"availability" json:"availability"`
	Description       string `mapstructure:"description" json:"description"`
	Category          string `mapstructure:"category" json:"category"`
	ReviewCount       string `mapstructure:"review_count" json:"review_count"`
	Rating            string `mapstructure:"rating" json:"rating"`
	Image             string `mapstructure:"image" json:"image"`
}

func (s Selectors) named() map[string]string {
	return map[string]string{
		"item_card":           s.ItemCard,
		"item_link":           s.ItemLink,
		"name":                s.Name,
		"price_including_tax": s.PriceIncludingTax,
		"price_excluding_tax": s.PriceExcludingTax,
		"availability":        s.Availability,
		"description":         s.Description,
		"category":            s.Category,
		"review_count":        s.ReviewCount,
		"rating":              s.Rating,
		"image":               s.Image,
	}
}

// SourceDescription is the immutable description of one crawlable catalog.
type SourceDescription struct {
	StartURL      string           `mapstructure:"start_url" json:"start_url"`
	Pagination    Pagination       `mapstructure:"pagination" json:"pagination"`
	Selectors     Selectors        `mapstructure:"selectors" json:"selectors"`
	Normalization URLNormalization `mapstructure:"normalization" json:"normalization"`
}

// WithDefaults fills optional fields that have a natural default.
func (s SourceDescription) WithDefaults() SourceDescription {
	if s.Pagination.Kind == "" {
		s.Pagination.Kind = PaginationPattern
	}
	if s.Pagination.StartPage == nil {
		first := 1
		s.Pagination.StartPage = &first
	}
	if s.Normalization.Strategy == "" {
		s.Normalization.Strategy = NormalizeNone
	}
	if s.Normalization.Strategy == NormalizeCatalogueRelative && s.Normalization.Base == "" {
		s.Normalization.Base = directoryOf(s.StartURL)
	}
	return s
}

// Validate enforces the invariants the orchestrator relies on.
func (s SourceDescription) Validate() error {
	if _, err := url.ParseRequestURI(s.StartURL); err != nil {
		return fmt.Errorf("start_url: %w", err)
	}
	switch s.Pagination.Kind {
	case PaginationPattern:
		if !strings.Contains(s.Pagination.Template, pagePlaceholder) {
			return fmt.Errorf("pagination.template must contain %s", pagePlaceholder)
		}
	case PaginationLink:
		return fmt.Errorf("pagination.kind: %w: %q", ErrUnsupportedPagination, s.Pagination.Kind)
	default:
		return fmt.Errorf("pagination.kind: unknown kind %q", s.Pagination.Kind)
	}
	if s.Pagination.First() < 0 {
		return errors.New("pagination.start_page must be >= 0")
	}
	if s.Pagination.MaxPages < 0 {
		return errors.New("pagination.max_pages must be >= 0")
	}
	if strings.TrimSpace(s.Selectors.ItemCard) == "" {
		return errors.New("selectors.item_card is required")
	}
	if strings.TrimSpace(s.Selectors.ItemLink) == "" {
		return errors.New("selectors.item_link is required")
	}
	for name, sel := range s.Selectors.named() {
		if sel == "" {
			continue
		}
		if _, err := cascadia.ParseGroup(sel); err != nil {
			return fmt.Errorf("selectors.%s: invalid selector %q: %w", name, sel, err)
		}
	}
	if _, err := NewNormalizer(s.Normalization); err != nil {
		return fmt.Errorf("normalization: %w", err)
	}
	return nil
}

func directoryOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if idx := strings.LastIndex(u.Path, "/"); idx >= 0 {
		u.Path = u.Path[:idx+1]
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
