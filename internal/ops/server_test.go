package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook/crawlgate/internal/breaker"
	"github.com/coldbrook/crawlgate/internal/clock/fake"
	"github.com/coldbrook/crawlgate/internal/governor"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/memguard"
	"github.com/coldbrook/crawlgate/internal/proxy"
)

func testGovernor() *governor.Governor {
	cfg := governor.Config{
		Breaker:      breaker.Config{WindowSize: 100},
		Ladder:       proxy.Config{},
		DefaultDelay: time.Second,
	}
	clk := fake.New(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return governor.New(cfg, clk, nil, nil, nil)
}

func newTestServer(gate *memguard.Gate, tasks chan<- kernel.CrawlTask) *httptest.Server {
	reg := prometheus.NewRegistry()
	srv := NewServer(testGovernor(), gate, reg, tasks, nil)
	return httptest.NewServer(srv.Handler())
}

// TestHealthz verifies liveness always reports ok.
func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

// TestReadyzReflectsMemoryGate verifies readiness flips to 503 while the
// memory gate is pausing admission.
func TestReadyzReflectsMemoryGate(t *testing.T) {
	t.Parallel()

	usage := 0.5
	gate := memguard.New(memguard.Config{HighWater: 0.9, LowWater: 0.75}, nil,
		memguard.WithUsageFunc(func() (float64, error) { return usage, nil }))

	srv := newTestServer(gate, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	usage = 0.95
	gate.Sample()
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestListDomains verifies governance snapshots come back as JSON.
func TestListDomains(t *testing.T) {
	t.Parallel()

	gov := testGovernor()
	_, err := gov.Admit(context.Background(), kernel.CrawlTask{
		ID: "t-1", URL: "https://shop.example/p/1", Domain: "shop.example",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(gov, nil, prometheus.NewRegistry(), nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/domains")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Domains []governor.Snapshot `json:"domains"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Domains, 1)
	require.Equal(t, "shop.example", payload.Domains[0].Domain)
	require.Equal(t, kernel.TierDirect.String(), payload.Domains[0].Tier)
}

// TestSubmitTaskAccepted verifies a valid submission is queued with a fresh
// task id.
func TestSubmitTaskAccepted(t *testing.T) {
	t.Parallel()

	tasks := make(chan kernel.CrawlTask, 1)
	srv := newTestServer(nil, tasks)
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"url": "https://shop.example/p/42", "depth": 2, "priority": 0.7,
	})
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["task_id"])

	select {
	case task := <-tasks:
		require.Equal(t, "shop.example", task.Domain)
		require.Equal(t, 2, task.Depth)
		require.Equal(t, out["task_id"], task.ID)
	default:
		t.Fatal("task never reached the queue")
	}
}

// TestSubmitTaskValidation verifies malformed bodies and non-absolute URLs
// are rejected with 400.
func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()

	tasks := make(chan kernel.CrawlTask, 1)
	srv := newTestServer(nil, tasks)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, raw := range []string{"/relative/path", "ftp://example.com/x", ""} {
		body, _ := json.Marshal(map[string]string{"url": raw})
		resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "url %q", raw)
	}
}

// TestSubmitTaskIngestDisabled verifies a nil task channel turns ingest off.
func TestSubmitTaskIngestDisabled(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil, nil)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"url": "https://shop.example/"})
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestMetricsEndpoint verifies the Prometheus registry is exposed.
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
