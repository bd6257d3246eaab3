// Package report renders change events as JSON or CSV.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-watch/internal/crawler"
)

// Format selects the rendering.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// header is the CSV column layout.
var header = []string{"identity", "change_type", "changes", "timestamp"}

// ParseFormat accepts "json", "csv", or "" (JSON).
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown report format %q", raw)
	}
}

// ContentType returns the HTTP media type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// DayWindow returns the UTC calendar day containing now as [start, end).
func DayWindow(now time.Time) (time.Time, time.Time) {
	y, m, d := now.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// Reporter loads change events for a window.
type Reporter struct {
	gateway crawler.Gateway
	clock   crawler.Clock
}

// New returns a Reporter.
func New(gateway crawler.Gateway, clock crawler.Clock) *Reporter {
	return &Reporter{gateway: gateway, clock: clock}
}

// Events returns events in [from, to). When both bounds are zero the
// current UTC day is used.
func (r *Reporter) Events(ctx context.Context, from, to time.Time) ([]crawler.ChangeEvent, error) {
	if from.IsZero() && to.IsZero() {
		from, to = DayWindow(r.clock.Now())
	}
	events, err := r.gateway.ListChangeEvents(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	return events, nil
}

// Render writes events to w in format f.
func Render(w io.Writer, f Format, events []crawler.ChangeEvent) error {
	if events == nil {
		events = []crawler.ChangeEvent{}
	}
	switch f {
	case FormatCSV:
		return renderCSV(w, events)
	default:
		enc := json.NewEncoder(w)
		if err := enc.Encode(events); err != nil {
			return fmt.Errorf("encode events: %w", err)
		}
		return nil
	}
}

func renderCSV(w io.Writer, events []crawler.ChangeEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, event := range events {
		changes := "{}"
		if len(event.Changes) > 0 {
			data, err := json.Marshal(event.Changes)
			if err != nil {
				return fmt.Errorf("encode changes for %s: %w", event.Identity, err)
			}
			changes = string(data)
		}
		row := []string{
			event.Identity,
			string(event.Type),
			changes,
			event.ObservedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
