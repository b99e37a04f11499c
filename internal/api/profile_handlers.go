package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hajimari-inc/compass-crawl-api/internal/coordinator"
	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// handleIngestProfile serves POST /{platform}/profile with a single scraped
// record as the body. Ingest is idempotent; reposting an unchanged record is
// a no-op.
func (s *Server) handleIngestProfile(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := ingestOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ingest(w, r, platform, []map[string]any{raw}, opts)
}

// handleIngestBatch serves POST /{platform}/profile/batch. Records that fail
// normalization are reported per key; the batch is rejected outright only
// when nothing in it applies.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	raws, err := decodeObjects(r, "profiles")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := ingestOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ingest(w, r, platform, raws, opts)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, platform crawl.Platform, raws []map[string]any, opts coordinator.IngestOptions) {
	result, err := s.coord.IngestProfiles(r.Context(), platform, raws, opts)
	if err != nil {
		var batch *crawl.BatchError
		if errors.As(err, &batch) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status":  http.StatusBadRequest,
				"message": batch.Error(),
				"failed":  batch.Failed,
			})
			return
		}
		s.respondError(w, r, "profile ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEnrichProfile serves POST /{platform}/profiles/{account_id}/enrich.
// 501 when no enrichment provider is configured.
func (s *Server) handleEnrichProfile(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	profile, err := s.coord.EnrichProfile(r.Context(), platform, chi.URLParam(r, "account_id"))
	if err != nil {
		s.respondError(w, r, "profile enrich", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func ingestOptions(r *http.Request) (coordinator.IngestOptions, error) {
	complete, err := parseFlag(r, "complete")
	if err != nil {
		return coordinator.IngestOptions{}, err
	}
	return coordinator.IngestOptions{
		Extension:     r.URL.Query().Get("extension_id"),
		CompleteUnits: complete,
	}, nil
}
