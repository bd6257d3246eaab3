// Package change fingerprints observed items, classifies them against stored
// state, and records change events.
package change

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/clock/system"
	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/hash/sha256"
	"github.com/JakeFAU/catalog-watch/internal/id/uuid"
)

// Canonical field names, shared by the fingerprint and the diff.
const (
	FieldAvailability      = "availability"
	FieldName              = "name"
	FieldPriceExcludingTax = "price_excluding_tax"
	FieldPriceIncludingTax = "price_including_tax"
	FieldRating            = "rating"
)

// canonical is the fingerprinted subset of an item. Field order is fixed and alphabetical.
type canonical struct {
	Availability      string         `json:"availability"`
	Name              string         `json:"name"`
	PriceExcludingTax *crawler.Price `json:"price_excluding_tax"`
	PriceIncludingTax *crawler.Price `json:"price_including_tax"`
	Rating            crawler.Rating `json:"rating"`
}

// JSONHasher digests a value through its JSON encoding.
type JSONHasher interface {
	HashJSON(v any) (string, error)
}

// Config wires a Detector. Only Gateway is required.
type Config struct {
	Gateway   crawler.Gateway
	Hasher    JSONHasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Publisher crawler.Publisher
	Topic     string
	Logger    *zap.Logger
}

// Detector implements crawler.ChangeDetector.
type Detector struct {
	gateway   crawler.Gateway
	hasher    JSONHasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// New builds a Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("change detector requires a gateway")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Detector{
		gateway:   cfg.Gateway,
		hasher:    cfg.Hasher,
		clock:     cfg.Clock,
		ids:       cfg.IDs,
		publisher: cfg.Publisher,
		topic:     cfg.Topic,
		logger:    cfg.Logger.Named("change"),
	}, nil
}

// Fingerprint digests the canonical fields of item. Non-canonical fields
// never influence the result.
func (d *Detector) Fingerprint(item crawler.Item) (string, error) {
	fp, err := d.hasher.HashJSON(canonical{
		Availability:      item.Availability,
		Name:              item.Name,
		PriceExcludingTax: item.PriceExcludingTax,
		PriceIncludingTax: item.PriceIncludingTax,
		Rating:            item.Rating,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", item.Identity, err)
	}
	return fp, nil
}

// Classify compares item with the stored record of the same identity and
// persists the outcome:
//   - no stored record, or only a failed placeholder without fingerprint: new
//     record plus a "new" event;
//   - stored record without fingerprint: re-baselined silently, unchanged;
//   - equal fingerprints: unchanged, written only to clear a failed status;
//   - differing fingerprints: record replaced plus an "updated" event carrying the diff.
//
// Gateway errors are returned as-is.
func (d *Detector) Classify(ctx context.Context, item crawler.Item) (crawler.Classification, error) {
	fp, err := d.Fingerprint(item)
	if err != nil {
		return "", err
	}
	item.Fingerprint = fp
	item.Status = crawler.ItemStatusFetched
	item.ErrorText = ""
	if item.ObservedAt.IsZero() {
		item.ObservedAt = d.clock.Now()
	}

	stored, err := d.gateway.GetItem(ctx, item.Identity)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return d.recordNew(ctx, item)
	case err != nil:
		return "", fmt.Errorf("load stored item: %w", err)
	}

	if stored.Fingerprint == "" {
		if stored.Status == crawler.ItemStatusFailed {
			return d.recordNew(ctx, item)
		}
		if err := d.gateway.UpsertItem(ctx, item); err != nil {
			return "", fmt.Errorf("re-baseline item: %w", err)
		}
		d.logger.Debug("re-baselined item without fingerprint", zap.String("identity", item.Identity))
		return crawler.ClassificationUnchanged, nil
	}

	if stored.Fingerprint == fp {
		if stored.Status == crawler.ItemStatusFailed {
			if err := d.gateway.UpsertItem(ctx, item); err != nil {
				return "", fmt.Errorf("clear failed item: %w", err)
			}
		}
		return crawler.ClassificationUnchanged, nil
	}

	if err := d.gateway.UpsertItem(ctx, item); err != nil {
		return "", fmt.Errorf("update item: %w", err)
	}
	if err := d.appendEvent(ctx, item, crawler.ChangeTypeUpdated, Diff(stored, item)); err != nil {
		return "", err
	}
	return crawler.ClassificationUpdated, nil
}

func (d *Detector) recordNew(ctx context.Context, item crawler.Item) (crawler.Classification, error) {
	if err := d.gateway.UpsertItem(ctx, item); err != nil {
		return "", fmt.Errorf("insert item: %w", err)
	}
	if err := d.appendEvent(ctx, item, crawler.ChangeTypeNew, nil); err != nil {
		return "", err
	}
	return crawler.ClassificationNew, nil
}

func (d *Detector) appendEvent(
	ctx context.Context,
	item crawler.Item,
	kind crawler.ChangeType,
	changes map[string]crawler.FieldChange,
) error {
	id, err := d.ids.NewID()
	if err != nil {
		return fmt.Errorf("change event id: %w", err)
	}
	event := crawler.ChangeEvent{
		ID:         id,
		Identity:   item.Identity,
		SourceKey:  item.SourceKey,
		Type:       kind,
		Changes:    changes,
		ObservedAt: item.ObservedAt,
	}
	if err := d.gateway.AppendChangeEvent(ctx, event); err != nil {
		return fmt.Errorf("append change event: %w", err)
	}
	d.publish(ctx, event)
	return nil
}

func (d *Detector) publish(ctx context.Context, event crawler.ChangeEvent) {
	if d.publisher == nil {
		return
	}
	if _, err := d.publisher.Publish(ctx, d.topic, event); err != nil {
		d.logger.Warn("publish change event failed",
			zap.String("identity", event.Identity),
			zap.String("change_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// Diff returns the canonical fields whose stored and observed values differ.
func Diff(stored, observed crawler.Item) map[string]crawler.FieldChange {
	changes := make(map[string]crawler.FieldChange)
	if stored.Name != observed.Name {
		changes[FieldName] = crawler.FieldChange{Old: stored.Name, New: observed.Name}
	}
	if !stored.PriceIncludingTax.Equal(observed.PriceIncludingTax) {
		changes[FieldPriceIncludingTax] = crawler.FieldChange{Old: stored.PriceIncludingTax, New: observed.PriceIncludingTax}
	}
	if !stored.PriceExcludingTax.Equal(observed.PriceExcludingTax) {
		changes[FieldPriceExcludingTax] = crawler.FieldChange{Old: stored.PriceExcludingTax, New: observed.PriceExcludingTax}
	}
	if stored.Availability != observed.Availability {
		changes[FieldAvailability] = crawler.FieldChange{Old: stored.Availability, New: observed.Availability}
	}
	if stored.Rating != observed.Rating {
		changes[FieldRating] = crawler.FieldChange{Old: stored.Rating, New: observed.Rating}
	}
	return changes
}
