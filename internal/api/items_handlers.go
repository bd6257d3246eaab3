package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// listItems handles GET /v1/items?category=&min_price=&max_price=&rating=&sort_by=&page=&per_page=.
// It returns the page envelope with total and total_pages, or 400 for
// malformed query parameters.
func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	filter, err := parseItemFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.items.ListItems(r.Context(), filter)
	if err != nil {
		s.logger.Error("list items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if page.Items == nil {
		page.Items = []crawler.Item{}
	}
	writeJSON(w, http.StatusOK, page)
}

// lookupItem handles GET /v1/items/lookup?identity=. Identities are URLs, so
// they travel as a query parameter rather than a path segment.
func (s *Server) lookupItem(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	item, err := s.items.GetItem(r.Context(), identity)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.logger.Error("get item failed", zap.String("identity", identity), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func parseItemFilter(r *http.Request) (crawler.ItemFilter, error) {
	q := r.URL.Query()
	filter := crawler.ItemFilter{
		Category: strings.TrimSpace(q.Get("category")),
		Rating:   strings.TrimSpace(q.Get("rating")),
	}

	var err error
	if filter.MinPrice, err = parsePrice(q.Get("min_price"), "min_price"); err != nil {
		return crawler.ItemFilter{}, err
	}
	if filter.MaxPrice, err = parsePrice(q.Get("max_price"), "max_price"); err != nil {
		return crawler.ItemFilter{}, err
	}
	if filter.SortBy, err = crawler.ParseSortKey(strings.ToLower(strings.TrimSpace(q.Get("sort_by")))); err != nil {
		return crawler.ItemFilter{}, errors.New("invalid sort_by")
	}
	if filter.Page, err = parseBounded(q.Get("page"), 1, 1, 0); err != nil {
		return crawler.ItemFilter{}, errors.New("invalid page")
	}
	if filter.PerPage, err = parseBounded(q.Get("per_page"), crawler.DefaultPerPage, 1, crawler.MaxPerPage); err != nil {
		return crawler.ItemFilter{}, errors.New("invalid per_page")
	}
	return filter, nil
}

func parsePrice(raw, name string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil || val < 0 {
		return nil, errors.New("invalid " + name)
	}
	return &val, nil
}

// parseBounded parses an integer in [minVal, maxVal]; maxVal of zero means unbounded.
func parseBounded(raw string, def, minVal, maxVal int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < minVal || (maxVal > 0 && val > maxVal) {
		return 0, errors.New("out of range")
	}
	return val, nil
}
