package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/report"
)

const dateLayout = "2006-01-02"

// changeReport handles GET /v1/changes?from=&to=&format=json|csv. Without
// bounds it reports the current UTC day. Bounds accept RFC 3339 timestamps or
// dates; a date used as "to" includes that whole day.
func (s *Server) changeReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := report.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid format")
		return
	}
	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must precede to")
		return
	}

	events, err := s.changes.Events(r.Context(), from, to)
	if err != nil {
		s.logger.Error("load change events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load changes")
		return
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, format, events); err != nil {
		s.logger.Error("render change report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render report")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("write change report failed", zap.Error(err))
	}
}

func parseBound(raw string, upper bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	if upper {
		return day.AddDate(0, 0, 1), nil
	}
	return day, nil
}
