package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

// handleErrorReport serves POST /email/error-report, the extensions' channel
// for surfacing client-side failures to the operators. The mail goes out
// synchronously so the extension learns whether it landed. 501 when no mail
// reporter is configured.
func (s *Server) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		writeError(w, http.StatusNotImplemented, "no reporter configured")
		return
	}
	var req struct {
		Platform string `json:"platform"`
		Method   string `json:"method"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	platform, err := crawl.ParsePlatform(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Method == "" || req.Error == "" {
		writeError(w, http.StatusBadRequest, "method and error are required")
		return
	}

	if err := s.reporter.ReportError(r.Context(), platform, req.Method, errors.New(req.Error)); err != nil {
		// A failed report is logged, not re-reported.
		s.logger.Error("sending error report failed",
			zap.String("platform", string(platform)),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "sending error report failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
