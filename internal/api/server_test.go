package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/dispatcher"
	"github.com/JakeFAU/catalog-watch/internal/report"
	"github.com/JakeFAU/catalog-watch/internal/storage/memory"
)

type fakeControl struct {
	mu      sync.Mutex
	known   map[string]bool
	running map[string]bool
	calls   []string
}

func newFakeControl(keys ...string) *fakeControl {
	c := &fakeControl{known: map[string]bool{}, running: map[string]bool{}}
	for _, k := range keys {
		c.known[k] = true
	}
	return c
}

func (c *fakeControl) launch(op, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op+":"+key)
	if !c.known[key] {
		return fmt.Errorf("build run for %s: %w", key, crawler.ErrUnknownSource)
	}
	if c.running[key] {
		return crawler.ErrAlreadyRunning
	}
	c.running[key] = true
	return nil
}

func (c *fakeControl) Start(key string) error  { return c.launch("start", key) }
func (c *fakeControl) Resume(key string) error { return c.launch("resume", key) }

func (c *fakeControl) Stop(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "stop:"+key)
	if !c.running[key] {
		return crawler.ErrNotRunning
	}
	delete(c.running, key)
	return nil
}

func (c *fakeControl) Status(_ context.Context, key string) (dispatcher.Status, error) {
	if key == "broken" {
		return dispatcher.Status{}, errors.New("store offline")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return dispatcher.Status{
		SourceKey: key,
		Running:   c.running[key],
		Progress:  &crawler.CrawlProgress{SourceKey: key, LastPage: 3},
	}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type brokenStore struct{}

func (brokenStore) ListItems(context.Context, crawler.ItemFilter) (crawler.ItemPage, error) {
	return crawler.ItemPage{}, errors.New("connection refused")
}

func (brokenStore) GetItem(context.Context, string) (crawler.Item, error) {
	return crawler.Item{}, errors.New("connection refused")
}

var reportDay = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

func amount(v float64) *crawler.Price {
	return &crawler.Price{Amount: &v, Currency: "£"}
}

func seededGateway(t *testing.T) *memory.Gateway {
	t.Helper()
	ctx := context.Background()
	gw := memory.NewGateway()
	items := []crawler.Item{
		{Identity: "https://books.example/a", Name: "A", Category: "Poetry", PriceIncludingTax: amount(30), Rating: crawler.RatingThree},
		{Identity: "https://books.example/b", Name: "B", Category: "poetry", PriceIncludingTax: amount(10), Rating: crawler.RatingFive},
		{Identity: "https://books.example/c", Name: "C", Category: "Travel", PriceIncludingTax: amount(20), Rating: crawler.RatingOne},
	}
	for _, item := range items {
		item.SourceKey = "books"
		item.Status = crawler.ItemStatusFetched
		require.NoError(t, gw.UpsertItem(ctx, item))
	}
	events := []crawler.ChangeEvent{
		{ID: "e1", Identity: "https://books.example/a", SourceKey: "books", Type: crawler.ChangeTypeNew, ObservedAt: reportDay.Add(-24 * time.Hour)},
		{
			ID:         "e2",
			Identity:   "https://books.example/a",
			SourceKey:  "books",
			Type:       crawler.ChangeTypeUpdated,
			Changes:    map[string]crawler.FieldChange{"name": {Old: "A", New: "A2"}},
			ObservedAt: reportDay.Add(-time.Hour),
		},
	}
	for _, event := range events {
		require.NoError(t, gw.AppendChangeEvent(ctx, event))
	}
	return gw
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeControl) {
	t.Helper()
	gw := seededGateway(t)
	control := newFakeControl("books")
	return NewServer(control, gw, report.New(gw, fixedClock{now: reportDay}), opts, zap.NewNop()), control
}

func do(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestServer_RequestIDPropagated(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"req-42"}})

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", nil).Code)

	broken := NewServer(newFakeControl(), brokenStore{}, nil, Options{}, nil)
	rec := do(t, broken, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", decode[map[string]string](t, rec)["error"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	do(t, s, http.MethodGet, "/healthz", nil)
	rec := do(t, s, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ControlLifecycle(t *testing.T) {
	t.Parallel()

	s, control := newTestServer(t, Options{})

	rec := do(t, s, http.MethodPost, "/v1/sources/books/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", decode[map[string]string](t, rec)["status"])

	rec = do(t, s, http.MethodPost, "/v1/sources/books/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, s, http.MethodPost, "/v1/sources/books/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/sources/books/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[dispatcher.Status](t, rec)
	assert.True(t, status.Running)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 3, status.Progress.LastPage)

	rec = do(t, s, http.MethodPost, "/v1/sources/books/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, s, http.MethodPost, "/v1/sources/books/stop", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/sources/books/resume", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "resumed", decode[map[string]string](t, rec)["status"])

	assert.Equal(t, []string{
		"start:books", "start:books", "resume:books", "stop:books", "stop:books", "resume:books",
	}, control.calls)
}

func TestServer_ControlErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})

	rec := do(t, s, http.MethodPost, "/v1/sources/nope/start", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown source", decode[map[string]string](t, rec)["error"])

	rec = do(t, s, http.MethodGet, "/v1/sources/broken/status", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/sources/books/start", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ListItems(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})

	tests := []struct {
		name       string
		query      string
		wantTotal  int
		wantOrder  []string
		wantPerPg  int
		wantTotPgs int
	}{
		{name: "all", query: "", wantTotal: 3, wantPerPg: 20, wantTotPgs: 1},
		{
			name: "category case-insensitive sorted by price", query: "?category=POETRY&sort_by=price",
			wantTotal: 2, wantOrder: []string{"B", "A"}, wantPerPg: 20, wantTotPgs: 1,
		},
		{
			name: "price window", query: "?min_price=15&max_price=25",
			wantTotal: 1, wantOrder: []string{"C"}, wantPerPg: 20, wantTotPgs: 1,
		},
		{
			name: "rating filter", query: "?rating=five",
			wantTotal: 1, wantOrder: []string{"B"}, wantPerPg: 20, wantTotPgs: 1,
		},
		{
			name: "second page sorted by rating", query: "?sort_by=rating&per_page=2&page=2",
			wantTotal: 3, wantOrder: []string{"C"}, wantPerPg: 2, wantTotPgs: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, http.MethodGet, "/v1/items"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			page := decode[crawler.ItemPage](t, rec)
			assert.Equal(t, tt.wantTotal, page.Total)
			assert.Equal(t, tt.wantPerPg, page.PerPage)
			assert.Equal(t, tt.wantTotPgs, page.TotalPages)
			if tt.wantOrder != nil {
				names := make([]string, 0, len(page.Items))
				for _, item := range page.Items {
					names = append(names, item.Name)
				}
				assert.Equal(t, tt.wantOrder, names)
			}
		})
	}
}

func TestServer_ListItemsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	for _, tc := range []struct{ query, want string }{
		{"?page=0", "invalid page"},
		{"?per_page=101", "invalid per_page"},
		{"?per_page=x", "invalid per_page"},
		{"?min_price=abc", "invalid min_price"},
		{"?max_price=-1", "invalid max_price"},
		{"?sort_by=height", "invalid sort_by"},
	} {
		rec := do(t, s, http.MethodGet, "/v1/items"+tc.query, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.query)
		assert.Equal(t, tc.want, decode[map[string]string](t, rec)["error"], tc.query)
	}
}

func TestServer_ListItemsStoreFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeControl(), brokenStore{}, nil, Options{}, nil)
	rec := do(t, s, http.MethodGet, "/v1/items", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_LookupItem(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/v1/items/lookup?identity=https%3A%2F%2Fbooks.example%2Fb", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decode[crawler.Item](t, rec)
	assert.Equal(t, "B", item.Name)
	assert.Equal(t, crawler.RatingFive, item.Rating)

	rec = do(t, s, http.MethodGet, "/v1/items/lookup?identity=https%3A%2F%2Fbooks.example%2Fz", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/items/lookup", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ChangesDefaultsToToday(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	rec := do(t, s, http.MethodGet, "/v1/changes", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	events := decode[[]crawler.ChangeEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
}

func TestServer_ChangesWindowAndCSV(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/v1/changes?from=2026-03-13&to=2026-03-14&format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"identity", "change_type", "changes", "timestamp"}, rows[0])
	assert.Equal(t, "new", rows[1][1])
	assert.Equal(t, "updated", rows[2][1])

	rec = do(t, s, http.MethodGet, "/v1/changes?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestServer_ChangesRejectsBadQuery(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	for _, tc := range []struct{ query, want string }{
		{"?format=xml", "invalid format"},
		{"?from=yesterday", "invalid from"},
		{"?to=03/14/2026", "invalid to"},
		{"?from=2026-03-14&to=2026-03-13", "from must precede to"},
		{"?from=2026-03-14T10:00:00Z&to=2026-03-14T10:00:00Z", "from must precede to"},
	} {
		rec := do(t, s, http.MethodGet, "/v1/changes"+tc.query, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.query)
		assert.Equal(t, tc.want, decode[map[string]string](t, rec)["error"], tc.query)
	}
}

func TestServer_APIKeyAuth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{APIKeys: []string{"secret"}, RequestsPerHour: 2})

	rec := do(t, s, http.MethodGet, "/v1/items", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/items", http.Header{"X-Api-Key": {"wrong"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/items", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/items?api_key=secret", nil).Code)

	rec = do(t, s, http.MethodGet, "/v1/items", http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))

	// Probes stay outside the authenticated surface.
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	h := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "request timed out")
}
