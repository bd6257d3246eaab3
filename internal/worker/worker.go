// Package worker runs the per-item pipeline: fetch, parse, archive, classify.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/metrics"
)

// outcomeFailed labels item metrics for items recorded as failed.
const outcomeFailed = "failed"

// Config controls Worker behavior.
type Config struct {
	// ContentType is attached to archived bodies.
	ContentType string
	// BlobPrefix is prepended to archive paths.
	BlobPrefix string
}

// Result describes how one item task ended.
type Result struct {
	Identity       string
	Classification crawler.Classification
	// Failed is set when the item was recorded with status failed, or when
	// the task was abandoned because its context ended.
	Failed bool
	Err    error
}

// Worker processes item locators for a single source.
type Worker struct {
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	detector  crawler.ChangeDetector
	gateway   crawler.Gateway
	blobStore crawler.BlobStore
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobStore and hasher may be nil to disable archival.
func New(
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	detector crawler.ChangeDetector,
	gateway crawler.Gateway,
	blobStore crawler.BlobStore,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher:   fetcher,
		extractor: extractor,
		detector:  detector,
		gateway:   gateway,
		blobStore: blobStore,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process fetches and classifies the item at locator. Fetch and parse
// failures are recorded on the item as status failed and reported in the
// Result; only persistence failures are returned as errors.
func (w *Worker) Process(ctx context.Context, sourceKey string, src crawler.SourceDescription, locator string) (Result, error) {
	identity := Identity(locator)
	result := Result{Identity: identity}

	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{SourceKey: sourceKey, URL: locator})
	if err != nil {
		if ctx.Err() != nil {
			result.Failed = true
			result.Err = err
			return result, nil
		}
		return w.fail(ctx, sourceKey, result, fmt.Errorf("fetch item: %w", err))
	}

	item, err := w.extractor.ParseItem(resp.Body, locator, src)
	if err != nil {
		return w.fail(ctx, sourceKey, result, fmt.Errorf("parse item: %w", err))
	}
	item.Identity = identity
	item.SourceKey = sourceKey
	item.ObservedAt = w.clock.Now()
	item.RawURI = w.archive(ctx, sourceKey, identity, resp.Body)

	classification, err := w.detector.Classify(ctx, item)
	if err != nil {
		return result, fmt.Errorf("classify %s: %w", identity, err)
	}
	result.Classification = classification
	metrics.ObserveItem(sourceKey, string(classification))
	w.logger.Debug("item processed",
		zap.String("source", sourceKey),
		zap.String("identity", identity),
		zap.String("classification", string(classification)),
	)
	return result, nil
}

func (w *Worker) fail(ctx context.Context, sourceKey string, result Result, cause error) (Result, error) {
	result.Failed = true
	result.Err = cause
	metrics.ObserveItem(sourceKey, outcomeFailed)
	w.logger.Warn("item failed",
		zap.String("source", sourceKey),
		zap.String("identity", result.Identity),
		zap.Error(cause),
	)
	if err := w.gateway.MarkItemFailed(ctx, result.Identity, sourceKey, cause.Error(), w.clock.Now()); err != nil {
		return result, fmt.Errorf("mark %s failed: %w", result.Identity, err)
	}
	return result, nil
}

// archive stores the raw body and returns its URI, or "" when archival is
// disabled or fails.
func (w *Worker) archive(ctx context.Context, sourceKey, identity string, body []byte) string {
	if w.blobStore == nil || w.hasher == nil {
		return ""
	}
	hash, err := w.hasher.Hash([]byte(identity))
	if err != nil {
		w.logger.Warn("hash identity failed", zap.String("identity", identity), zap.Error(err))
		return ""
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(sourceKey, hash), w.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("archive item body failed",
			zap.String("source", sourceKey),
			zap.String("identity", identity),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

// buildBlobPath keys archives by source and identity hash, so each item keeps
// only its latest body.
func (w *Worker) buildBlobPath(sourceKey, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", sourceKey, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, sourceKey, hash)
}

// Identity derives the stable item identity from a locator. Locators that
// differ only in case of scheme or host, default port, fragment, or query
// order share one identity.
func Identity(locator string) string {
	canonical, err := crawler.CanonicalURL(locator)
	if err != nil || canonical == "" {
		return strings.TrimSpace(locator)
	}
	return canonical
}
