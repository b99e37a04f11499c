// Package providers_test contains unit tests for the external API clients.
package providers_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/providers"
)

func newSERPClient(t *testing.T, cfg providers.SERPConfig, handler http.Handler) (*providers.SERPClient, func()) {
	t.Helper()

	server := httptest.NewServer(handler)

	cfg.APIKey = "serp-key"
	cfg.BaseURL = server.URL
	client, err := providers.NewSERP(cfg, nil)
	require.NoError(t, err)

	return client, server.Close
}

func TestSearchBuildsLocalizedQuery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "serp-key", q.Get("api_key"))
		assert.Equal(t, "google", q.Get("engine"))
		assert.Equal(t, "機械学習 エンジニア site:linkedin.com", q.Get("q"))
		assert.Equal(t, "Japan", q.Get("location"))
		assert.Equal(t, "google.co.jp", q.Get("google_domain"))
		assert.Equal(t, "jp", q.Get("gl"))
		assert.Equal(t, "ja", q.Get("hl"))
		assert.Equal(t, "10", q.Get("num"))
		assert.Equal(t, "20", q.Get("start"))

		fmt.Fprintln(w, `{"organic_results":[
			{"link":"https://www.linkedin.com/in/alice","title":"Alice"},
			{"link":"https://www.linkedin.com/in/bob","title":"Bob"},
			{"link":"https://example.com/blog","title":"Unrelated"}
		]}`)
	})

	client, cleanup := newSERPClient(t, providers.SERPConfig{}, handler)
	defer cleanup()

	res, err := client.Search(context.Background(), crawl.PlatformLinkedIn, "機械学習 エンジニア site:linkedin.com", 20)
	require.NoError(t, err)

	// Every organic link is reported; the coordinator filters profiles.
	assert.Equal(t, []string{
		"https://www.linkedin.com/in/alice",
		"https://www.linkedin.com/in/bob",
		"https://example.com/blog",
	}, res.URLs)
	assert.Equal(t, 23, res.NextCursor)
	assert.True(t, res.Exhausted, "a short page ends the keyword")
}

func TestSearchFullPageKeepsPaging(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"organic_results":[
			{"link":"https://www.linkedin.com/in/alice"},
			{"link":"https://www.linkedin.com/in/bob"}
		]}`)
	})

	client, cleanup := newSERPClient(t, providers.SERPConfig{PageSize: 2}, handler)
	defer cleanup()

	res, err := client.Search(context.Background(), crawl.PlatformLinkedIn, "golang", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NextCursor)
	assert.False(t, res.Exhausted)
}

func TestSearchEmptyPageIsExhausted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{}`)
	})

	client, cleanup := newSERPClient(t, providers.SERPConfig{}, handler)
	defer cleanup()

	res, err := client.Search(context.Background(), crawl.PlatformLinkedIn, "golang", 40)
	require.NoError(t, err)
	assert.Empty(t, res.URLs)
	assert.Equal(t, 40, res.NextCursor)
	assert.True(t, res.Exhausted)
}

func TestSearchServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":"rate limit reached"}`)
	})

	client, cleanup := newSERPClient(t, providers.SERPConfig{}, handler)
	defer cleanup()

	_, err := client.Search(context.Background(), crawl.PlatformLinkedIn, "golang", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSearchHonorsCanceledContext(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{}`)
	})

	client, cleanup := newSERPClient(t, providers.SERPConfig{RPS: 1, Burst: 1}, handler)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Search(ctx, crawl.PlatformLinkedIn, "golang", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestNewSERPRequiresKey(t *testing.T) {
	_, err := providers.NewSERP(providers.SERPConfig{}, nil)
	assert.Error(t, err)
}
