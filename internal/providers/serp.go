// Package providers contains HTTP clients for the external search and
// profile-detail services. Both clients are token-bucket rate limited so
// the backend stays inside the contracted quotas no matter how many
// workers call them.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

const defaultSERPBaseURL = "https://serpapi.com/search.json"

// SERPConfig configures the SERP search client. Zero values fall back to
// the Japanese-market defaults the crawl targets.
type SERPConfig struct {
	// APIKey authenticates against the SERP API.
	APIKey string
	// BaseURL overrides the search endpoint, for tests.
	BaseURL string
	// Location, Domain, GL and HL localize the underlying Google search.
	Location string
	Domain   string
	GL       string
	HL       string
	// PageSize is the number of organic results requested per call.
	PageSize int
	// RPS and Burst bound the request rate; RPS <= 0 disables limiting.
	RPS   float64
	Burst int
}

// SERPClient fetches pages of search results for a keyword. It returns
// every organic link; profile filtering happens in the coordinator so
// nothing is silently dropped here.
type SERPClient struct {
	cfg     SERPConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSERP creates a SERP search client.
func NewSERP(cfg SERPConfig, logger *zap.Logger) (*SERPClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("serp api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSERPBaseURL
	}
	if cfg.Location == "" {
		cfg.Location = "Japan"
	}
	if cfg.Domain == "" {
		cfg.Domain = "google.co.jp"
	}
	if cfg.GL == "" {
		cfg.GL = "jp"
	}
	if cfg.HL == "" {
		cfg.HL = "ja"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SERPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: newLimiter(cfg.RPS, cfg.Burst),
		logger:  logger,
	}, nil
}

// serpResponse is the subset of the SERP payload the backend reads.
type serpResponse struct {
	OrganicResults []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

// Search runs one page of a Google search for the keyword, starting at the
// given result offset. A short page marks the keyword exhausted.
func (c *SERPClient) Search(ctx context.Context, platform crawl.Platform, keyword string, cursor int) (crawl.SearchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return crawl.SearchResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("api_key", c.cfg.APIKey)
	params.Set("engine", "google")
	params.Set("q", keyword)
	params.Set("location", c.cfg.Location)
	params.Set("google_domain", c.cfg.Domain)
	params.Set("gl", c.cfg.GL)
	params.Set("hl", c.cfg.HL)
	params.Set("num", strconv.Itoa(c.cfg.PageSize))
	params.Set("start", strconv.Itoa(cursor))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return crawl.SearchResult{}, fmt.Errorf("build serp request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return crawl.SearchResult{}, fmt.Errorf("call serp api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return crawl.SearchResult{}, fmt.Errorf("serp api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return crawl.SearchResult{}, fmt.Errorf("decode serp response: %w", err)
	}

	urls := make([]string, 0, len(payload.OrganicResults))
	for _, r := range payload.OrganicResults {
		if r.Link != "" {
			urls = append(urls, r.Link)
		}
	}

	res := crawl.SearchResult{
		URLs:       urls,
		NextCursor: cursor,
		Exhausted:  len(payload.OrganicResults) < c.cfg.PageSize,
	}
	if len(payload.OrganicResults) > 0 {
		res.NextCursor = cursor + len(payload.OrganicResults)
	}

	c.logger.Debug("serp page fetched",
		zap.String("platform", string(platform)),
		zap.String("keyword", keyword),
		zap.Int("start", cursor),
		zap.Int("results", len(urls)),
	)
	return res, nil
}

// newLimiter builds a token bucket from requests-per-second and burst.
// Non-positive rates disable limiting.
func newLimiter(rps float64, burst int) *rate.Limiter {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(r, burst)
}
