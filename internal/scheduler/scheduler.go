// Package scheduler triggers crawl runs on a daily time or fixed interval.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// Starter launches a run for a source key.
type Starter interface {
	Start(key string) error
}

// Config controls when runs are triggered.
type Config struct {
	// RunTime is a daily "HH:MM" trigger. It takes precedence over Interval.
	RunTime string
	// Interval triggers runs at a fixed period when RunTime is empty.
	Interval time.Duration
	// Location interprets RunTime; nil means UTC.
	Location *time.Location
	// Sources lists the keys started on each trigger.
	Sources []string
}

// Scheduler wraps a cron instance with one entry that starts every configured source.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	sources []string
	spec    string
	logger  *zap.Logger
}

// New validates cfg and registers the trigger. Call Start to begin firing.
func New(cfg Config, starter Starter, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("scheduler requires a starter")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("scheduler requires at least one source")
	}
	spec, err := Spec(cfg.RunTime, cfg.Interval)
	if err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		starter: starter,
		sources: append([]string(nil), cfg.Sources...),
		spec:    spec,
		logger:  logger.Named("scheduler"),
	}
	if _, err := s.cron.AddFunc(spec, s.Trigger); err != nil {
		return nil, fmt.Errorf("add cron entry %q: %w", spec, err)
	}
	return s, nil
}

// Spec converts a daily "HH:MM" time or an interval into a cron spec.
func Spec(runTime string, interval time.Duration) (string, error) {
	runTime = strings.TrimSpace(runTime)
	if runTime == "" {
		if interval <= 0 {
			return "", errors.New("either run_time or a positive interval is required")
		}
		return "@every " + interval.String(), nil
	}
	hh, mm, ok := strings.Cut(runTime, ":")
	if !ok {
		return "", fmt.Errorf("run_time %q must be HH:MM", runTime)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("run_time %q: invalid hour", runTime)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("run_time %q: invalid minute", runTime)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// Start begins firing triggers in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec), zap.Strings("sources", s.sources))
}

// Stop halts the trigger and returns once any trigger in progress has returned.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Next returns the next trigger time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Trigger starts every configured source, skipping those already running.
func (s *Scheduler) Trigger() {
	for _, key := range s.sources {
		err := s.starter.Start(key)
		switch {
		case err == nil:
			s.logger.Info("scheduled run started", zap.String("source", key))
		case errors.Is(err, crawler.ErrAlreadyRunning):
			s.logger.Info("scheduled run skipped, already running", zap.String("source", key))
		default:
			s.logger.Error("scheduled run failed to start", zap.String("source", key), zap.Error(err))
		}
	}
}
