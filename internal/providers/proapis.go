package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

const defaultProAPIsBaseURL = "https://api.proapis.com/iscraper/v4"

// ProAPIsConfig configures the profile-detail client.
type ProAPIsConfig struct {
	// APIKey authenticates against the ProAPIs service.
	APIKey string
	// BaseURL overrides the service endpoint, for tests.
	BaseURL string
	// RPS and Burst bound the request rate; RPS <= 0 disables limiting.
	RPS   float64
	Burst int
}

// ProAPIsClient fetches full profile payloads from the ProAPIs service.
// Payloads come back untouched; normalization is the transform layer's job.
type ProAPIsClient struct {
	cfg     ProAPIsConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewProAPIs creates a ProAPIs profile-detail client.
func NewProAPIs(cfg ProAPIsConfig, logger *zap.Logger) (*ProAPIsClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("proapis api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultProAPIsBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProAPIsClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: newLimiter(cfg.RPS, cfg.Burst),
		logger:  logger,
	}, nil
}

// profileDetailsRequest mirrors the provider's profile-details contract.
type profileDetailsRequest struct {
	ProfileID         string `json:"profile_id"`
	ProfileType       string `json:"profile_type"`
	BypassCache       bool   `json:"bypass_cache"`
	RelatedProfiles   bool   `json:"related_profiles"`
	NetworkInfo       bool   `json:"network_info"`
	ContactInfo       bool   `json:"contact_info"`
	VerificationsInfo bool   `json:"verifications_info"`
}

// FetchProfile posts a profile-details request for the account and returns
// the raw JSON object.
func (c *ProAPIsClient) FetchProfile(ctx context.Context, platform crawl.Platform, accountID string) (map[string]any, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(profileDetailsRequest{
		ProfileID:         accountID,
		ProfileType:       "personal",
		BypassCache:       true,
		RelatedProfiles:   true,
		NetworkInfo:       true,
		ContactInfo:       true,
		VerificationsInfo: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal profile request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/profile-details", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call proapis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("proapis returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode proapis response: %w", err)
	}

	c.logger.Debug("profile details fetched",
		zap.String("platform", string(platform)),
		zap.String("account_id", accountID),
	)
	return raw, nil
}
