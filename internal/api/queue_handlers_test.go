package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
)

func TestQueueCreateAndLease(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)

	body := `{"units": [{"url": "https://www.linkedin.com/in/alice"}, {"url": "https://www.linkedin.com/in/bob"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"created":2`)

	// Reposting the same accounts inserts nothing.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"created":0`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?extension_id=ext-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var leased struct {
		Units []crawl.DiscoveryUnit `json:"units"`
		Count int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leased))
	require.Equal(t, 2, leased.Count)
	require.Equal(t, crawl.StatusPending, leased.Units[0].Status)
}

func TestQueueCreateBareArray(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)

	body := `[{"url": "https://www.linkedin.com/in/carol"}]`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"created":1`)
}

func TestQueueStatusLifecycle(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)
	id := createAndLeaseUnit(t, srv, "alice")

	// Claim.
	rec := putStatus(t, srv, "/linkedin/queue/"+id+"/status", "processing", "ext-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"processing"`)
	require.Contains(t, rec.Body.String(), `"extension_id":"ext-1"`)

	// Release back to pending; the owner clears.
	rec = putStatus(t, srv, "/linkedin/queue/"+id+"/status", "pending", "ext-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"pending"`)
	require.NotContains(t, rec.Body.String(), "ext-1")

	// Claim again and resolve.
	rec = putStatus(t, srv, "/linkedin/queue/"+id+"/status", "processing", "ext-2")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = putStatus(t, srv, "/linkedin/queue/"+id+"/status", "completed", "ext-2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	// Repeating the same terminal status is a no-op, not a conflict.
	rec = putStatus(t, srv, "/linkedin/queue/"+id+"/status", "completed", "ext-2")
	require.Equal(t, http.StatusOK, rec.Code)

	// Moving off a terminal status is.
	rec = putStatus(t, srv, "/linkedin/queue/"+id+"/status", "failed", "ext-2")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "not a legal transition")
}

func TestQueueStatusRejectsUnknown(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)
	id := createAndLeaseUnit(t, srv, "dave")

	rec := putStatus(t, srv, "/linkedin/queue/"+id+"/status", "paused", "ext-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/linkedin/queue/"+id+"/status", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueIncludeRetries(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)
	id := createAndLeaseUnit(t, srv, "erin")

	rec := putStatus(t, srv, "/linkedin/queue/"+id+"/status", "processing", "ext-1")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = putStatus(t, srv, "/linkedin/queue/"+id+"/status", "failed", "ext-1")
	require.Equal(t, http.StatusOK, rec.Code)

	// Failed units stay hidden from the normal lease and surface on demand.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?extension_id=ext-2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":0`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?extension_id=ext-2&include_retries=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":1`)
}

func TestQueueLeaseBadParams(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid limit")

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?limit=5000", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?include_retries=perhaps", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueLineage(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)

	body := `[{"url": "https://www.linkedin.com/in/root"}]`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	body = `[{"url": "https://www.linkedin.com/in/leaf", "crawl_depth": 1, "parent_account_id": "root"}]`
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/leaf/lineage", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Lineage []crawl.DiscoveryUnit `json:"lineage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Lineage, 2)
	require.Equal(t, "root", resp.Lineage[0].NaturalKey)
	require.Equal(t, "leaf", resp.Lineage[1].NaturalKey)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/ghost/lineage", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil, nil)

	body := `[{"url": "https://www.linkedin.com/in/alice"}, {"url": "https://www.linkedin.com/in/bob"}]`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats crawl.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, crawl.PlatformLinkedIn, stats.Platform)
	require.Len(t, stats.Units, 1)
	require.Equal(t, crawl.StatusPending, stats.Units[0].Status)
	require.Equal(t, int64(2), stats.Units[0].Count)
}

// createAndLeaseUnit posts one unit and returns its id from the lease
// response.
func createAndLeaseUnit(t *testing.T, srv *Server, account string) string {
	t.Helper()

	body := `[{"url": "https://www.linkedin.com/in/` + account + `"}]`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/linkedin/queue", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/linkedin/queue/pending?extension_id=setup", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var leased struct {
		Units []crawl.DiscoveryUnit `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leased))
	require.NotEmpty(t, leased.Units)
	return leased.Units[0].ID
}

func putStatus(t *testing.T, srv *Server, path, status, extension string) *httptest.ResponseRecorder {
	t.Helper()

	body := `{"status": "` + status + `", "extension_id": "` + extension + `"}`
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}
