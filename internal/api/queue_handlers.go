package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// handleLeaseUnits serves GET /{platform}/queue/pending. Leasing is a read;
// the extension claims a unit by PUTting it to processing afterwards.
func (s *Server) handleLeaseUnits(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	owner := r.URL.Query().Get("extension_id")
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	includeRetries, err := parseFlag(r, "include_retries")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	units, err := s.coord.LeaseBatch(r.Context(), platform, owner, limit, includeRetries)
	if err != nil {
		s.respondError(w, r, "unit lease", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units, "count": len(units)})
}

// handleCreateUnits serves POST /{platform}/queue. Duplicate natural keys are
// skipped, so the reported count covers new rows only.
func (s *Server) handleCreateUnits(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	raws, err := decodeObjects(r, "units")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.coord.CreateUnits(r.Context(), platform, raws)
	if err != nil {
		s.respondError(w, r, "unit create", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"created": created})
}

// handleUnitStatus serves PUT /{platform}/queue/{id}/status. The target
// status picks the operation: processing claims, pending releases, and the
// terminal statuses resolve the unit. 409 on an illegal transition.
func (s *Server) handleUnitStatus(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	id := chi.URLParam(r, "id")
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status, err := crawl.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var unit crawl.DiscoveryUnit
	switch status {
	case crawl.StatusProcessing:
		unit, err = s.coord.Claim(r.Context(), platform, id, req.ExtensionID)
	case crawl.StatusPending:
		unit, err = s.coord.Release(r.Context(), platform, id, req.ExtensionID)
	default:
		unit, err = s.coord.Complete(r.Context(), platform, id, status, req.ExtensionID)
	}
	if err != nil {
		s.respondError(w, r, "unit status update", err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// handleLineage serves GET /{platform}/queue/{id}/lineage, where {id} is the
// account id of the profile whose discovery chain is wanted. The chain runs
// root first.
func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	chain, err := s.coord.Lineage(r.Context(), platform, chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, "lineage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lineage": chain})
}

// handleStats serves GET /{platform}/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	stats, err := s.coord.Stats(r.Context(), platform)
	if err != nil {
		s.respondError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type statusUpdateRequest struct {
	Status      string `json:"status"`
	ExtensionID string `json:"extension_id"`
}

// decodeObjects reads a JSON body that is either a bare array of objects or
// an object wrapping the array under key. The extensions have historically
// posted both forms.
func decodeObjects(r *http.Request, key string) ([]map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("reading request body failed")
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty request body")
	}
	if trimmed[0] == '[' {
		var objects []map[string]any
		if err := json.Unmarshal(trimmed, &objects); err != nil {
			return nil, errors.New("invalid JSON")
		}
		return objects, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, errors.New("invalid JSON")
	}
	raw, ok := wrapper[key]
	if !ok {
		return nil, errors.New("missing " + key)
	}
	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, errors.New("invalid " + key)
	}
	return objects, nil
}
