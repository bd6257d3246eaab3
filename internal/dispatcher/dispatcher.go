// Package dispatcher is the control surface over crawl runs: it starts,
// resumes, stops, and reports on one run per source key.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/orchestrator"
	"github.com/JakeFAU/catalog-watch/internal/registry"
)

// Runner is one crawl run for a source key.
type Runner interface {
	Run(ctx context.Context, resume bool) (orchestrator.Result, error)
	Stop()
}

// Factory builds a Runner for key, or fails with crawler.ErrUnknownSource.
type Factory func(key string) (Runner, error)

// Status reports a source key's checkpoint and whether a run is active.
type Status struct {
	SourceKey  string                 `json:"source_key"`
	Running    bool                   `json:"running"`
	Progress   *crawler.CrawlProgress `json:"progress,omitempty"`
	LastResult *orchestrator.Result   `json:"last_result,omitempty"`
}

// Dispatcher owns the goroutines of active runs.
type Dispatcher struct {
	ctx      context.Context
	factory  Factory
	registry *registry.Registry
	gateway  crawler.Gateway
	logger   *zap.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	results map[string]orchestrator.Result
}

// New creates a Dispatcher. Runs inherit ctx, so canceling it ends every
// run at its next page boundary.
func New(ctx context.Context, factory Factory, reg *registry.Registry, gateway crawler.Gateway, logger *zap.Logger) *Dispatcher {
	if reg == nil {
		reg = registry.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ctx:      ctx,
		factory:  factory,
		registry: reg,
		gateway:  gateway,
		logger:   logger.Named("dispatcher"),
		results:  make(map[string]orchestrator.Result),
	}
}

// Start launches a fresh run for key from the configured start page.
func (d *Dispatcher) Start(key string) error {
	return d.launch(key, false)
}

// Resume launches a run for key from its checkpointed page.
func (d *Dispatcher) Resume(key string) error {
	return d.launch(key, true)
}

// Stop signals the active run for key to end at its next page boundary.
func (d *Dispatcher) Stop(key string) error {
	run, ok := d.registry.Lookup(key)
	if !ok {
		return fmt.Errorf("%s: %w", key, crawler.ErrNotRunning)
	}
	run.Stop()
	d.logger.Info("stop requested", zap.String("source", key))
	return nil
}

// Status returns the saved checkpoint for key, whether a run is active, and
// the summary of the last run this process finished.
func (d *Dispatcher) Status(ctx context.Context, key string) (Status, error) {
	status := Status{SourceKey: key}
	_, status.Running = d.registry.Lookup(key)

	progress, err := d.gateway.GetProgress(ctx, key)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
	case err != nil:
		return Status{}, fmt.Errorf("load progress: %w", err)
	default:
		status.Progress = &progress
	}

	d.mu.Lock()
	if result, ok := d.results[key]; ok {
		status.LastResult = &result
	}
	d.mu.Unlock()
	return status, nil
}

// Active lists source keys with a running crawl.
func (d *Dispatcher) Active() []string {
	return d.registry.Keys()
}

// StopAll signals every active run.
func (d *Dispatcher) StopAll() {
	for _, key := range d.registry.Keys() {
		if run, ok := d.registry.Lookup(key); ok {
			run.Stop()
		}
	}
}

// Wait blocks until every launched run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) launch(key string, resume bool) error {
	run, err := d.factory(key)
	if err != nil {
		return fmt.Errorf("build run for %s: %w", key, err)
	}
	if err := d.registry.Register(key, run); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.registry.Unregister(key, run)

		result, err := run.Run(d.ctx, resume)
		if err != nil {
			d.logger.Error("run failed", zap.String("source", key), zap.Error(err))
			result.Error = err.Error()
		}
		d.mu.Lock()
		d.results[key] = result
		d.mu.Unlock()
	}()
	d.logger.Info("run launched", zap.String("source", key), zap.Bool("resume", resume))
	return nil
}
