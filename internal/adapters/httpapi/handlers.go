package httpapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/alejandrodnm/skysync/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.engine.Groups()
	out := struct {
		Groups  []groupStatusJSON `json:"groups"`
		Limiter limiterJSON       `json:"limiter"`
	}{
		Groups:  make([]groupStatusJSON, 0, len(groups)),
		Limiter: toLimiterJSON(s.engine.Limiter().Stats()),
	}
	for _, g := range groups {
		out.Groups = append(out.Groups, toGroupStatusJSON(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGroup es la lectura puntual: sirve datos viejos antes que un error.
// ?active=true quita las entidades sin contacto reciente.
func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entities, err := s.engine.GetGroup(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		entities = s.engine.Active(entities)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":    domain.NormalizeKey(key),
		"count":    len(entities),
		"entities": toEntitiesJSON(entities),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Refresh(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotJSON(snap))
}

// handlePosition devuelve la posición interpolada en ?at=<unix> (default: ahora).
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := domain.NormalizeID(chi.URLParam(r, "id"))
	if !domain.ValidID(id) {
		writeError(w, domain.InvalidInput("httpapi.position", "malformed icao24 %q", id))
		return
	}

	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			writeError(w, domain.InvalidInput("httpapi.position", "bad at=%q: want unix seconds", v))
			return
		}
		whole, frac := math.Modf(secs)
		at = time.Unix(int64(whole), int64(frac*1e9))
	}

	p, ok := s.engine.Position(id, at)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: "no position available for " + id, Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, positionJSON{
		ID:           id,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Altitude:     p.Altitude,
		Speed:        p.Speed,
		Heading:      p.Heading,
		Timestamp:    p.Timestamp,
		Extrapolated: p.Extrapolated,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http response encode failed", "err", err)
	}
}

// writeError traduce la taxonomía de errores del motor a status HTTP.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	case domain.KindUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	case domain.KindAuthenticationFailed:
		status = http.StatusBadGateway
	case domain.KindInvalidInput:
		status = http.StatusBadRequest
	case domain.KindPartialBatchFailure:
		status = http.StatusOK
	}

	body := errorJSON{Error: err.Error(), Kind: kind.String()}
	var se *domain.SyncError
	if errors.As(err, &se) {
		retryAt := se.RetryAt
		if retryAt.IsZero() && se.RetryAfter > 0 {
			retryAt = time.Now().Add(se.RetryAfter)
		}
		if !retryAt.IsZero() {
			body.RetryAt = &retryAt
			if secs := int(math.Ceil(time.Until(retryAt).Seconds())); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("http request failed", "kind", kind.String(), "err", err)
	}
	writeJSON(w, status, body)
}
