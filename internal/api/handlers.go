package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/match"
	"github.com/roach88/matchsync/internal/outbox"
)

const maxBodyBytes = 1 << 20

type enqueueRequest struct {
	Matches []match.Match `json:"matches"`
}

type enqueueResponse struct {
	EntryID string       `json:"entry_id"`
	State   outbox.State `json:"state"`
}

type flushResponse struct {
	Pass  engine.PassStats `json:"pass"`
	State outbox.State     `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.outbox.State())
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.outbox.Entries())
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.outbox.Entry(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("decode body: %v", err)})
		return
	}
	if len(req.Matches) == 0 {
		s.writeError(w, outbox.ErrEmptyPayload)
		return
	}

	records, err := match.Records(s.validator, req.Matches)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.outbox.Enqueue(r.Context(), records, engine.WithOptimistic(s.cache, s.synth))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{EntryID: id, State: s.outbox.State()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.outbox.FlushNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{Pass: s.outbox.LastPass(), State: s.outbox.State()})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.outbox.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.outbox.State())
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.outbox.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, s.now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.cache.List(f))
}

// parseFilter reads ?filter=all|short|long|tournaments|last7|last30|range
// with from/to (RFC3339 or YYYY-MM-DD) for range.
func parseFilter(r *http.Request, now time.Time) (match.Filter, error) {
	q := r.URL.Query()
	switch name := q.Get("filter"); name {
	case "", "all":
		return match.Filter{Type: match.FilterAll}, nil
	case "short", "long", "tournaments":
		return match.Filter{Type: match.FilterType(name)}, nil
	case "last7":
		return match.LastDays(7, now), nil
	case "last30":
		return match.LastDays(30, now), nil
	case "range":
		f := match.Filter{Type: match.FilterAll}
		var err error
		if f.Since, err = parseDate(q.Get("from"), false); err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		if f.Until, err = parseDate(q.Get("to"), true); err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		return f, nil
	default:
		return match.Filter{}, fmt.Errorf("unknown filter %q", name)
	}
}

// parseDate accepts RFC3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, match.ErrInvalidMatch), errors.Is(err, outbox.ErrEmptyPayload):
		return http.StatusBadRequest
	case errors.Is(err, outbox.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
