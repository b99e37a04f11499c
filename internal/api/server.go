// Package api hosts the HTTP server, middleware, and REST handlers the
// browser extensions talk to. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /{platform}/queue/... for leasing, claiming, and resolving discovery
//     units.
//   - /{platform}/profile and /profile/batch for scraped record ingest.
//   - /{platform}/keywords and /{platform}/seeds for the two frontier
//     bootstrap paths.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	clocksys "github.com/hajimari-inc/compass-crawl-api/internal/clock/system"
	"github.com/hajimari-inc/compass-crawl-api/internal/coordinator"
	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

const defaultRequestTimeout = 60 * time.Second

// Pinger reports backing-store connectivity for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries the dependencies and settings for the HTTP server.
type Config struct {
	Coordinator *coordinator.Coordinator
	Store       Pinger
	Reporter    crawl.Reporter
	Events      events.Emitter
	Clock       crawl.Clock
	Logger      *zap.Logger

	// Metrics serves GET /metrics when set. MetricsMiddleware, when set, is
	// installed on every route to record request counts and latencies.
	Metrics           http.Handler
	MetricsMiddleware func(http.Handler) http.Handler

	// APIKey enables key auth on all routes when non-empty.
	APIKey string
	// RequestTimeout bounds each request. Zero means 60s.
	RequestTimeout time.Duration
}

// Server is the HTTP front end over the coordinator.
type Server struct {
	coord    *coordinator.Coordinator
	store    Pinger
	reporter crawl.Reporter
	events   events.Emitter
	clock    crawl.Clock
	logger   *zap.Logger
	router   chi.Router
}

// NewServer wires the route tree and middleware chain.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("api: coordinator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksys.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	s := &Server{
		coord:    cfg.Coordinator,
		store:    cfg.Store,
		reporter: cfg.Reporter,
		events:   cfg.Events,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(cfg.Logger))
	r.Use(recoverMiddleware(cfg.Logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.MetricsMiddleware != nil {
		r.Use(cfg.MetricsMiddleware)
	}
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Post("/email/error-report", s.handleErrorReport)

	r.Route("/{platform}", func(r chi.Router) {
		r.Use(platformMiddleware)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/pending", s.handleLeaseUnits)
			r.Post("/", s.handleCreateUnits)
			r.Put("/{id}/status", s.handleUnitStatus)
			r.Get("/{id}/lineage", s.handleLineage)
		})

		r.Post("/profile", s.handleIngestProfile)
		r.Post("/profile/batch", s.handleIngestBatch)
		r.Post("/profiles/{account_id}/enrich", s.handleEnrichProfile)

		r.Get("/stats", s.handleStats)

		r.Route("/keywords", func(r chi.Router) {
			r.Post("/", s.handleCreateKeywords)
			r.Get("/pending", s.handleLeaseKeywords)
			r.Put("/{id}/status", s.handleKeywordStatus)
			r.Put("/{id}/cursor", s.handleKeywordCursor)
			r.Post("/{id}/search", s.handleKeywordSearch)
		})

		r.Route("/seeds", func(r chi.Router) {
			r.Post("/", s.handleCreateSeed)
			r.Get("/pending", s.handleLeaseSeeds)
			r.Put("/{id}/status", s.handleSeedStatus)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports process liveness. Always 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness by pinging the record store. 503 until the
// store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type platformKey struct{}

// platformMiddleware resolves the {platform} path segment. Unknown platforms
// 404 before any handler runs.
func platformMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		platform, err := crawl.ParsePlatform(chi.URLParam(r, "platform"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), platformKey{}, platform)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func platformFrom(r *http.Request) crawl.Platform {
	platform, _ := r.Context().Value(platformKey{}).(crawl.Platform)
	return platform
}

// respondError maps coordinator errors onto HTTP statuses. Anything not
// recognized is a 500; the cause is logged and emitted but not echoed to the
// caller.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var validation *crawl.ValidationError
	var transition *crawl.TransitionError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, transition.Error())
	case errors.Is(err, crawl.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, coordinator.ErrNoProvider):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		s.serverError(w, r, op, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Error(err),
	)
	s.emit(events.Event{
		Platform: platformFrom(r),
		Kind:     events.KindError,
		Op:       op,
		Note:     err.Error(),
	})
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) emit(evt events.Event) {
	if evt.TS.IsZero() {
		evt.TS = s.clock.Now()
	}
	s.events.Emit(evt)
}

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("encoding response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Status: status, Message: message})
}

// parseLimit reads the limit query parameter. Empty means the coordinator
// default; range checks also live in the coordinator.
func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

func parseFlag(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("invalid " + name)
	}
	return value, nil
}
