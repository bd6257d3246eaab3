// Package orchestrator drives one source's page-by-page crawl.
//
// A run walks page indexes from the start page (or the checkpointed page when
// resuming), lists item locators on each page, processes every item
// concurrently, and checkpoints progress once the page's items have all
// finished. An empty page ends the run as done; a page that cannot be fetched
// ends it as failed. Stop is observed only between pages.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/metrics"
	"github.com/JakeFAU/catalog-watch/internal/worker"
)

// Outcome is the terminal state of a run.
type Outcome string

// Run outcomes.
const (
	OutcomeDone    Outcome = "done"
	OutcomeStopped Outcome = "stopped"
	OutcomeFailed  Outcome = "failed"
)

// Deps are the collaborators a run needs. Blobs and Hasher are optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Detector  crawler.ChangeDetector
	Gateway   crawler.Gateway
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	// ArchivePrefix is prepended to archived body paths.
	ArchivePrefix      string
	ArchiveContentType string
}

// Result summarizes a finished run.
type Result struct {
	SourceKey string  `json:"source_key"`
	Outcome   Outcome `json:"outcome"`
	FirstPage int     `json:"first_page"`
	LastPage  int     `json:"last_page"`
	Pages     int     `json:"pages"`
	New       int     `json:"new"`
	Updated   int     `json:"updated"`
	Unchanged int     `json:"unchanged"`
	Failed    int     `json:"failed_items"`
	Error     string  `json:"error,omitempty"`
}

// Orchestrator runs crawls for one source key.
type Orchestrator struct {
	key     string
	src     crawler.SourceDescription
	deps    Deps
	worker  *worker.Worker
	logger  *zap.Logger
	stopped atomic.Bool
}

// New validates src and wires a run for key.
func New(key string, src crawler.SourceDescription, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if key == "" {
		return nil, errors.New("source key is required")
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Detector == nil || deps.Gateway == nil || deps.Clock == nil {
		return nil, errors.New("orchestrator requires fetcher, extractor, detector, gateway, and clock")
	}
	src = src.WithDefaults()
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("source %s: %w", key, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("orchestrator").With(zap.String("source", key))

	return &Orchestrator{
		key:  key,
		src:  src,
		deps: deps,
		worker: worker.New(
			deps.Fetcher, deps.Extractor, deps.Detector, deps.Gateway,
			deps.Blobs, deps.Hasher, deps.Clock,
			worker.Config{BlobPrefix: deps.ArchivePrefix, ContentType: deps.ArchiveContentType},
			logger,
		),
		logger: logger,
	}, nil
}

// Key returns the source key this orchestrator crawls.
func (o *Orchestrator) Key() string {
	return o.key
}

// Stop asks the run to end at the next page boundary. Items already in
// flight for the current page still finish.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

// Run crawls until the catalog runs dry, MaxPages is exceeded, a page fails,
// or Stop is called. A resumed run starts at the checkpointed page itself.
// Only persistence failures are returned as errors; a failed page is
// reported through the Result and the saved progress.
func (o *Orchestrator) Run(ctx context.Context, resume bool) (Result, error) {
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	page, err := o.firstPage(ctx, resume)
	if err != nil {
		return Result{SourceKey: o.key}, err
	}
	result := Result{SourceKey: o.key, FirstPage: page, LastPage: page - 1}
	o.logger.Info("run started", zap.Int("page", page), zap.Bool("resume", resume))

	result, err = o.loop(ctx, page, result)
	if err != nil {
		metrics.ObserveRun(o.key, "error")
		o.logger.Error("run aborted", zap.Int("page", result.LastPage), zap.Error(err))
		return result, err
	}
	metrics.ObserveRun(o.key, string(result.Outcome))
	o.logger.Info("run finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("pages", result.Pages),
		zap.Int("last_page", result.LastPage),
		zap.Int("new", result.New),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed_items", result.Failed),
	)
	return result, nil
}

func (o *Orchestrator) loop(ctx context.Context, page int, result Result) (Result, error) {
	for {
		if o.stopped.Load() || ctx.Err() != nil {
			result.Outcome = OutcomeStopped
			return result, nil
		}
		if o.src.Pagination.Exceeds(page) {
			result.Outcome = OutcomeDone
			return result, o.save(ctx, crawler.CrawlProgress{LastPage: page - 1, Done: true})
		}

		locators, err := o.listPage(ctx, page)
		if err != nil && o.src.Pagination.IsEnd(err) {
			locators, err = nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				result.Outcome = OutcomeStopped
				return result, nil
			}
			metrics.ObservePage(o.key, "failed")
			o.logger.Warn("page failed", zap.Int("page", page), zap.Error(err))
			result.Outcome = OutcomeFailed
			result.LastPage = page
			result.Error = err.Error()
			return result, o.save(ctx, crawler.CrawlProgress{LastPage: page, Failed: true, LastError: err.Error()})
		}

		if len(locators) == 0 {
			metrics.ObservePage(o.key, "empty")
			result.Outcome = OutcomeDone
			result.LastPage = page
			return result, o.save(ctx, crawler.CrawlProgress{LastPage: page, Done: true})
		}

		if err := o.fanOut(ctx, locators, &result); err != nil {
			return result, fmt.Errorf("page %d: %w", page, err)
		}
		metrics.ObservePage(o.key, "ok")
		result.Pages++
		result.LastPage = page
		if err := o.save(ctx, crawler.CrawlProgress{LastPage: page}); err != nil {
			return result, err
		}
		o.logger.Debug("page complete", zap.Int("page", page), zap.Int("items", len(locators)))
		page++
	}
}

func (o *Orchestrator) firstPage(ctx context.Context, resume bool) (int, error) {
	start := o.src.Pagination.First()
	if !resume {
		return start, nil
	}
	progress, err := o.deps.Gateway.GetProgress(ctx, o.key)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return start, nil
	case err != nil:
		return 0, fmt.Errorf("load progress: %w", err)
	case progress.LastPage < start:
		return start, nil
	default:
		return progress.LastPage, nil
	}
}

func (o *Orchestrator) listPage(ctx context.Context, page int) ([]string, error) {
	pageURL, err := o.src.Pagination.PageURL(page)
	if err != nil {
		return nil, err
	}
	resp, err := o.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{SourceKey: o.key, URL: pageURL})
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	base := resp.URL
	if base == "" {
		base = pageURL
	}
	locators, err := o.deps.Extractor.ListItems(resp.Body, base, o.src)
	if err != nil {
		return nil, fmt.Errorf("list items on page %d: %w", page, err)
	}
	return locators, nil
}

// fanOut processes every distinct item on a page and waits for all of them,
// so one failing task never cancels its siblings. Locators sharing an
// identity are processed once; concurrent tasks for one identity would each
// classify it as new.
func (o *Orchestrator) fanOut(ctx context.Context, locators []string, result *Result) error {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	seen := make(map[string]struct{}, len(locators))
	for _, locator := range locators {
		identity := worker.Identity(locator)
		if _, dup := seen[identity]; dup {
			o.logger.Debug("duplicate item link skipped", zap.String("locator", locator), zap.String("identity", identity))
			continue
		}
		seen[identity] = struct{}{}
		g.Go(func() error {
			res, err := o.worker.Process(ctx, o.key, o.src, locator)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Failed:
				result.Failed++
			case res.Classification == crawler.ClassificationNew:
				result.New++
			case res.Classification == crawler.ClassificationUpdated:
				result.Updated++
			default:
				result.Unchanged++
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) save(ctx context.Context, progress crawler.CrawlProgress) error {
	progress.SourceKey = o.key
	progress.UpdatedAt = o.deps.Clock.Now()
	if err := o.deps.Gateway.SaveProgress(ctx, progress); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
