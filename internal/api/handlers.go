package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/passwatch/internal/geocode"
	"github.com/star/passwatch/internal/httputil"
	"github.com/star/passwatch/internal/passes"
	"github.com/star/passwatch/internal/repository"
	"github.com/star/passwatch/internal/tle"
	"github.com/star/passwatch/internal/tracker"
)

const maxRequestBytes = 4 << 10

type handlers struct {
	tracker *tracker.Tracker
	logger  *slog.Logger
}

type passesResponse struct {
	Location  *geocode.Location `json:"location,omitempty"`
	Passes    []passes.Pass     `json:"passes"`
	Loading   bool              `json:"loading"`
	Error     string            `json:"error,omitempty"`
	ScannedAt time.Time         `json:"scanned_at,omitzero"`
	Skipped   int               `json:"skipped_samples"`
}

type elementsResponse struct {
	tle.Elements
	AgeSeconds float64 `json:"age_seconds"`
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.tracker.Snapshot())
}

func (h *handlers) passes(w http.ResponseWriter, r *http.Request) {
	st := h.tracker.Snapshot()
	httputil.WriteJSON(w, http.StatusOK, passesResponse{
		Location:  st.Location,
		Passes:    st.Passes,
		Loading:   st.Loading,
		Error:     st.Error,
		ScannedAt: st.ScannedAt,
		Skipped:   st.Skipped,
	})
}

// search handles POST /api/v1/location/search {"query": "..."}.
// A blank query changes nothing and answers with the current state.
func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := h.tracker.Search(r.Context(), body.Query); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.tracker.Snapshot())
}

// device handles POST /api/v1/location/device with a client position fix.
func (h *handlers) device(w http.ResponseWriter, r *http.Request) {
	var fix geocode.DeviceFix
	if !decodeBody(w, r, &fix) {
		return
	}

	if err := h.tracker.UseDevice(r.Context(), fix); err != nil {
		writeDomainError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.tracker.Snapshot())
}

func (h *handlers) refreshElements(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.RefreshElements(r.Context()); err != nil {
		if errors.Is(err, context.Canceled) {
			httputil.WriteError(w, http.StatusServiceUnavailable, "request canceled")
			return
		}
		httputil.WriteError(w, http.StatusBadGateway, tracker.MsgElementsFailed)
		return
	}
	h.elements(w, r)
}

func (h *handlers) elements(w http.ResponseWriter, r *http.Request) {
	el, ok := h.tracker.Elements()
	if !ok {
		httputil.WriteError(w, http.StatusServiceUnavailable, "no element set loaded")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, elementsResponse{
		Elements:   el,
		AgeSeconds: el.Age(time.Now()).Seconds(),
	})
}

// position handles GET /api/v1/position?t=2026-01-02T15:04:05Z. t defaults to now.
func (h *handlers) position(w http.ResponseWriter, r *http.Request) {
	at := time.Now().UTC()
	if v := r.URL.Query().Get("t"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid t parameter, must be RFC 3339")
			return
		}
		at = parsed.UTC()
	}

	sp, err := h.tracker.Position(at)
	if err != nil {
		if errors.Is(err, tracker.ErrNoElements) {
			httputil.WriteError(w, http.StatusServiceUnavailable, "no element set loaded")
			return
		}
		h.logger.Warn("position propagation failed", "time", at, "error", err)
		httputil.WriteError(w, http.StatusUnprocessableEntity, "position unavailable at requested time")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sp)
}

// recentLocations handles GET /api/v1/locations/recent?limit=10.
func (h *handlers) recentLocations(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid limit parameter, must be 1-100")
			return
		}
		limit = n
	}

	entries, err := h.tracker.RecentLocations(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to load location history", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "could not load location history")
		return
	}
	if entries == nil {
		entries = []repository.LocationEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"locations": entries})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeDomainError maps tracker and geocode errors onto HTTP statuses. The
// body carries the same message the tracker state reports.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, geocode.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, tracker.MsgNotFound)
	case errors.Is(err, geocode.ErrPermissionDenied):
		httputil.WriteError(w, http.StatusForbidden, tracker.MsgDenied)
	case errors.Is(err, geocode.ErrInvalidCoordinates):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrSuperseded):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, geocode.ErrSearchFailed):
		httputil.WriteError(w, http.StatusBadGateway, tracker.MsgSearchFailed)
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
