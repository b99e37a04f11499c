package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// handleCreateSeed serves POST /{platform}/seeds. Posting a URL that already
// has a seed returns the existing row with a 200 instead of creating another.
func (s *Server) handleCreateSeed(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	var req struct {
		URL         string `json:"url"`
		MaxProfiles int    `json:"max_profiles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	seed, created, err := s.coord.CreateSeed(r.Context(), platform, req.URL, req.MaxProfiles)
	if err != nil {
		s.respondError(w, r, "seed create", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"seed": seed, "created": created})
}

// handleLeaseSeeds serves GET /{platform}/seeds/pending.
func (s *Server) handleLeaseSeeds(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seeds, err := s.coord.LeaseSeeds(r.Context(), platform, r.URL.Query().Get("extension_id"), limit)
	if err != nil {
		s.respondError(w, r, "seed lease", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seeds": seeds, "count": len(seeds)})
}

// handleSeedStatus serves PUT /{platform}/seeds/{id}/status with the same
// status-driven dispatch as units.
func (s *Server) handleSeedStatus(w http.ResponseWriter, r *http.Request) {
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

	var seed crawl.SeedUnit
	switch status {
	case crawl.StatusProcessing:
		seed, err = s.coord.ClaimSeed(r.Context(), platform, id, req.ExtensionID)
	case crawl.StatusPending:
		seed, err = s.coord.ReleaseSeed(r.Context(), platform, id, req.ExtensionID)
	default:
		seed, err = s.coord.CompleteSeed(r.Context(), platform, id, status, req.ExtensionID)
	}
	if err != nil {
		s.respondError(w, r, "seed status update", err)
		return
	}
	writeJSON(w, http.StatusOK, seed)
}
