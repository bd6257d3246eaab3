package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/change"
	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/extractor"
	"github.com/JakeFAU/catalog-watch/internal/fetcher/bounded"
	collyfetcher "github.com/JakeFAU/catalog-watch/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-watch/internal/hash/sha256"
	"github.com/JakeFAU/catalog-watch/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// hookFetcher calls onFetch before delegating.
type hookFetcher struct {
	next    crawler.Fetcher
	onFetch func(url string)
}

func (f hookFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.onFetch != nil {
		f.onFetch(req.URL)
	}
	return f.next.Fetch(ctx, req)
}

type failingProgress struct {
	*memory.Gateway
}

func (failingProgress) SaveProgress(context.Context, crawler.CrawlProgress) error {
	return errors.New("progress table locked")
}

type env struct {
	catalog *fakeCatalog
	server  *httptest.Server
	gateway *memory.Gateway
	blobs   *memory.BlobStore
	clock   *stepClock
	fetcher crawler.Fetcher
}

func newEnv(t *testing.T, catalog *fakeCatalog) *env {
	t.Helper()
	server := httptest.NewServer(catalog)
	t.Cleanup(server.Close)

	fetcher := bounded.New(
		collyfetcher.New(collyfetcher.Config{UserAgent: "catalog-watch-test", Timeout: 5 * time.Second}),
		bounded.Config{
			Concurrency: 4,
			Retry: crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
				MaxRetries:     2,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     5 * time.Millisecond,
				DisableJitter:  true,
			}),
		},
	)
	return &env{
		catalog: catalog,
		server:  server,
		gateway: memory.NewGateway(),
		blobs:   memory.NewBlobStore(),
		clock:   &stepClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
		fetcher: fetcher,
	}
}

func (e *env) source() crawler.SourceDescription {
	return crawler.SourceDescription{
		StartURL: e.server.URL + "/catalogue/page-1.html",
		Pagination: crawler.Pagination{
			Kind:     crawler.PaginationPattern,
			Template: e.server.URL + "/catalogue/page-{page}.html",
		},
		Selectors: crawler.Selectors{
			ItemCard:          "article.product_pod",
			ItemLink:          "h3 > a",
			Name:              "div.product_main > h1",
			PriceIncludingTax: "table.table.table-striped tr:contains('Price (incl. tax)') td",
			PriceExcludingTax: "table.table.table-striped tr:contains('Price (excl. tax)') td",
			Availability:      "div.product_main > p.availability",
			Description:       "#product_description ~ p",
			Category:          "ul.breadcrumb li:nth-last-child(2) a",
			ReviewCount:       "table.table.table-striped tr:contains('Number of reviews') td",
			Rating:            "div.product_main > p.star-rating",
		},
		Normalization: crawler.URLNormalization{Strategy: crawler.NormalizeResolve},
	}
}

func (e *env) orchestrator(t *testing.T, src crawler.SourceDescription, gateway crawler.Gateway, fetcher crawler.Fetcher) *Orchestrator {
	t.Helper()
	detector, err := change.New(change.Config{Gateway: gateway, Clock: e.clock})
	require.NoError(t, err)
	o, err := New("books", src, Deps{
		Fetcher:       fetcher,
		Extractor:     extractor.New(),
		Detector:      detector,
		Gateway:       gateway,
		Blobs:         e.blobs,
		Hasher:        sha256.New(),
		Clock:         e.clock,
		ArchivePrefix: "raw",
	}, zap.NewNop())
	require.NoError(t, err)
	return o
}

func (e *env) events(t *testing.T) []crawler.ChangeEvent {
	t.Helper()
	events, err := e.gateway.ListChangeEvents(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	return events
}

func (e *env) bookURL(n int) string {
	return e.server.URL + "/catalogue/book-" + strconv.Itoa(n) + "/index.html"
}

func TestRunRecordsEveryItemAsNew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, newFakeCatalog(2, 2))
	o := e.orchestrator(t, e.source(), e.gateway, e.fetcher)

	result, err := o.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, result.Outcome)
	require.Equal(t, 2, result.Pages)
	require.Equal(t, 4, result.New)
	require.Equal(t, 3, result.LastPage)

	page, err := e.gateway.ListItems(ctx, crawler.ItemFilter{})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	for _, item := range page.Items {
		require.Equal(t, crawler.ItemStatusFetched, item.Status)
		require.Equal(t, "books", item.SourceKey)
		require.NotEmpty(t, item.Fingerprint)
		require.True(t, strings.HasPrefix(item.RawURI, "memory://raw/books/"))
		require.Equal(t, "Poetry", item.Category)
	}

	events := e.events(t)
	require.Len(t, events, 4)
	for _, event := range events {
		require.Equal(t, crawler.ChangeTypeNew, event.Type)
	}

	progress, err := e.gateway.GetProgress(ctx, "books")
	require.NoError(t, err)
	require.True(t, progress.Done)
	require.False(t, progress.Failed)
	require.Equal(t, 3, progress.LastPage)
	require.Equal(t, 4, e.blobs.Len())
}

func TestRerunAfterPriceChangeEmitsOneUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, newFakeCatalog(2, 2))
	o := e.orchestrator(t, e.source(), e.gateway, e.fetcher)

	_, err := o.Run(ctx, false)
	require.NoError(t, err)

	e.catalog.setPrice(3, "£99.50")
	result, err := o.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 3, result.Unchanged)
	require.Zero(t, result.New)

	events := e.events(t)
	require.Len(t, events, 5)
	update := events[4]
	require.Equal(t, crawler.ChangeTypeUpdated, update.Type)
	require.Equal(t, e.bookURL(3), update.Identity)
	require.Len(t, update.Changes, 1)
	require.Contains(t, update.Changes, change.FieldPriceIncludingTax)

	stored, err := e.gateway.GetItem(ctx, e.bookURL(3))
	require.NoError(t, err)
	require.InDelta(t, 99.5, *stored.PriceIncludingTax.Amount, 1e-9)
}

func TestPageFailureStopsRunAndKeepsEarlierPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := newFakeCatalog(3, 2)
	catalog.pageStatus[2] = http.StatusServiceUnavailable
	e := newEnv(t, catalog)
	o := e.orchestrator(t, e.source(), e.gateway, e.fetcher)

	result, err := o.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, 2, result.LastPage)
	require.Contains(t, result.Error, "503")

	progress, err := e.gateway.GetProgress(ctx, "books")
	require.NoError(t, err)
	require.True(t, progress.Failed)
	require.False(t, progress.Done)
	require.Equal(t, 2, progress.LastPage)
	require.NotEmpty(t, progress.LastError)

	// R+1 attempts for the failing page, and nothing past it.
	require.Equal(t, []int{1, 2, 2, 2}, catalog.pageRequests())

	page, err := e.gateway.ListItems(ctx, crawler.ItemFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	for _, n := range []int{3, 4} {
		_, err := e.gateway.GetItem(ctx, e.bookURL(n))
		require.ErrorIs(t, err, crawler.ErrNotFound)
	}
}

func TestResumeStartsAtCheckpointedPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := newFakeCatalog(6, 1)
	e := newEnv(t, catalog)
	require.NoError(t, e.gateway.SaveProgress(ctx, crawler.CrawlProgress{SourceKey: "books", LastPage: 5}))
	o := e.orchestrator(t, e.source(), e.gateway, e.fetcher)

	result, err := o.Run(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 5, result.FirstPage)
	require.Equal(t, []int{5, 6, 7}, catalog.pageRequests())
	require.Equal(t, 2, result.New)
}

func TestResumeWithoutProgressStartsAtStartPage(t *testing.T) {
	t.Parallel()

	catalog := newFakeCatalog(1, 1)
	e := newEnv(t, catalog)
	o := e.orchestrator(t, e.source(), e.gateway, e.fetcher)

	result, err := o.Run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, result.FirstPage)
	require.Equal(t, []int{1, 2}, catalog.pageRequests())
}

func TestLinksSharingAnIdentityAreProcessedOnce(t *testing.T) {
	t.Parallel()

	catalog := newFakeCatalog(1, 2)
	catalog.duplicateLinks = true
	e := newEnv(t, catalog)
	src := e.source()
	src.Normalization = crawler.URLNormalization{Strategy: crawler.NormalizeNone}
	o := e.orchestrator(t, src, e.gateway, e.fetcher)

	result, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, result.New)
	require.Zero(t, result.Unchanged)
	require.Equal(t, 1, catalog.bookRequests(1))
	require.Equal(t, 1, catalog.bookRequests(2))

	events := e.events(t)
	require.Len(t, events, 2)
	require.NotEqual(t, events[0].Identity, events[1].Identity)
}

func TestZeroIndexedCatalogStartsAtPageZero(t *testing.T) {
	t.Parallel()

	catalog := newFakeCatalog(1, 1)
	e := newEnv(t, catalog)
	src := e.source()
	zero := 0
	src.Pagination.StartPage = &zero
	o := e.orchestrator(t, src, e.gateway, e.fetcher)

	result, err := o.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 0, result.FirstPage)
	require.Equal(t, []int{0, 1, 2}, catalog.pageRequests())
	require.Equal(t, 2, result.New)

	_, err = e.gateway.GetItem(context.Background(), e.bookURL(0))
	require.NoError(t, err)
}

func TestFailedItemIsRecordedAndRunContinues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := newFakeCatalog(1, 2)
	catalog.bookStatus[2] = http.StatusNotFound
	e := newEnv(t, catalog)
	o := e.orchestrator(t, e.source(), e.gateway, e.fetcher)

	result, err := o.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, result.Outcome)
	require.Equal(t, 1, result.New)
	require.Equal(t, 1, result.Failed)

	failed, err := e.gateway.GetItem(ctx, e.bookURL(2))
	require.NoError(t, err)
	require.Equal(t, crawler.ItemStatusFailed, failed.Status)
	require.Contains(t, failed.ErrorText, "404")
	require.Len(t, e.events(t), 1)
}

func TestMaxPagesEndsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := newFakeCatalog(5, 1)
	e := newEnv(t, catalog)
	src := e.source()
	src.Pagination.MaxPages = 2
	o := e.orchestrator(t, src, e.gateway, e.fetcher)

	result, err := o.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeDone, result.Outcome)
	require.Equal(t, []int{1, 2}, catalog.pageRequests())

	progress, err := e.gateway.GetProgress(ctx, "books")
	require.NoError(t, err)
	require.True(t, progress.Done)
	require.Equal(t, 2, progress.LastPage)
}

func TestNotFoundPastLastPage(t *testing.T) {
	t.Parallel()

	catalog := newFakeCatalog(1, 1)
	catalog.pastEndStatus = http.StatusNotFound

	t.Run("ends the run when configured", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, catalog)
		src := e.source()
		src.Pagination.EndOnNotFound = true
		result, err := e.orchestrator(t, src, e.gateway, e.fetcher).Run(context.Background(), false)
		require.NoError(t, err)
		require.Equal(t, OutcomeDone, result.Outcome)
	})

	t.Run("fails the run otherwise", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, catalog)
		result, err := e.orchestrator(t, e.source(), e.gateway, e.fetcher).Run(context.Background(), false)
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, result.Outcome)
	})
}

func TestStopIsObservedAtPageBoundary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := newFakeCatalog(3, 2)
	e := newEnv(t, catalog)

	var (
		o    *Orchestrator
		once sync.Once
	)
	fetcher := hookFetcher{next: e.fetcher, onFetch: func(url string) {
		if strings.Contains(url, "/book-") {
			once.Do(o.Stop)
		}
	}}
	o = e.orchestrator(t, e.source(), e.gateway, fetcher)

	result, err := o.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, result.Outcome)
	require.Equal(t, 1, result.LastPage)
	require.Equal(t, 2, result.New)
	require.Equal(t, []int{1}, catalog.pageRequests())

	progress, err := e.gateway.GetProgress(ctx, "books")
	require.NoError(t, err)
	require.Equal(t, 1, progress.LastPage)
	require.False(t, progress.Done)
}

func TestCanceledContextStopsRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t, newFakeCatalog(1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.orchestrator(t, e.source(), e.gateway, e.fetcher).Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, result.Outcome)
	require.Empty(t, e.catalog.pageRequests())
}

func TestPersistenceFailureIsReturned(t *testing.T) {
	t.Parallel()

	e := newEnv(t, newFakeCatalog(1, 1))
	gateway := failingProgress{Gateway: e.gateway}
	_, err := e.orchestrator(t, e.source(), gateway, e.fetcher).Run(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "progress table locked")
}

func TestNewRejectsInvalidSources(t *testing.T) {
	t.Parallel()

	e := newEnv(t, newFakeCatalog(1, 1))
	detector, err := change.New(change.Config{Gateway: e.gateway})
	require.NoError(t, err)
	deps := Deps{Fetcher: e.fetcher, Extractor: extractor.New(), Detector: detector, Gateway: e.gateway, Clock: e.clock}

	src := e.source()
	src.Pagination.Kind = crawler.PaginationLink
	_, err = New("books", src, deps, nil)
	require.ErrorIs(t, err, crawler.ErrUnsupportedPagination)

	_, err = New("", e.source(), deps, nil)
	require.Error(t, err)

	_, err = New("books", e.source(), Deps{}, nil)
	require.Error(t, err)
}
