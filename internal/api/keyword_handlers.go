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

// handleCreateKeywords serves POST /{platform}/keywords. Keywords are
// deduplicated against existing rows, so the count covers new ones only.
func (s *Server) handleCreateKeywords(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	words, err := decodeStrings(r, "keywords")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.coord.CreateKeywords(r.Context(), platform, words)
	if err != nil {
		s.respondError(w, r, "keyword create", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"created": created})
}

// handleLeaseKeywords serves GET /{platform}/keywords/pending.
func (s *Server) handleLeaseKeywords(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keywords, err := s.coord.LeaseKeywords(r.Context(), platform, r.URL.Query().Get("extension_id"), limit)
	if err != nil {
		s.respondError(w, r, "keyword lease", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": keywords, "count": len(keywords)})
}

// handleKeywordStatus serves PUT /{platform}/keywords/{id}/status with the
// same status-driven dispatch as units.
func (s *Server) handleKeywordStatus(w http.ResponseWriter, r *http.Request) {
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

	var keyword crawl.Keyword
	switch status {
	case crawl.StatusProcessing:
		keyword, err = s.coord.ClaimKeyword(r.Context(), platform, id, req.ExtensionID)
	case crawl.StatusPending:
		keyword, err = s.coord.ReleaseKeyword(r.Context(), platform, id, req.ExtensionID)
	default:
		keyword, err = s.coord.CompleteKeyword(r.Context(), platform, id, status, req.ExtensionID)
	}
	if err != nil {
		s.respondError(w, r, "keyword status update", err)
		return
	}
	writeJSON(w, http.StatusOK, keyword)
}

// handleKeywordCursor serves PUT /{platform}/keywords/{id}/cursor. The cursor
// is the result offset the next search page starts from; releasing a keyword
// does not reset it.
func (s *Server) handleKeywordCursor(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	id := chi.URLParam(r, "id")
	var req struct {
		CurrentStart *int `json:"current_start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CurrentStart == nil {
		writeError(w, http.StatusBadRequest, "missing current_start")
		return
	}
	keyword, err := s.coord.UpdateKeywordCursor(r.Context(), platform, id, *req.CurrentStart)
	if err != nil {
		s.respondError(w, r, "keyword cursor update", err)
		return
	}
	writeJSON(w, http.StatusOK, keyword)
}

// handleKeywordSearch serves POST /{platform}/keywords/{id}/search, running
// one provider search page inline. 501 when no search provider is
// configured. The caller identity may arrive in the body or the extension_id
// query parameter.
func (s *Server) handleKeywordSearch(w http.ResponseWriter, r *http.Request) {
	platform := platformFrom(r)
	id := chi.URLParam(r, "id")
	var req struct {
		ExtensionID string `json:"extension_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	owner := req.ExtensionID
	if owner == "" {
		owner = r.URL.Query().Get("extension_id")
	}
	outcome, err := s.coord.RunKeywordSearch(r.Context(), platform, id, owner)
	if err != nil {
		s.respondError(w, r, "keyword search", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// decodeStrings reads a JSON body that is either a bare array of strings or
// an object wrapping the array under key.
func decodeStrings(r *http.Request, key string) ([]string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("reading request body failed")
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty request body")
	}
	if trimmed[0] == '[' {
		var values []string
		if err := json.Unmarshal(trimmed, &values); err != nil {
			return nil, errors.New("invalid JSON")
		}
		return values, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, errors.New("invalid JSON")
	}
	raw, ok := wrapper[key]
	if !ok {
		return nil, errors.New("missing " + key)
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, errors.New("invalid " + key)
	}
	return values, nil
}
