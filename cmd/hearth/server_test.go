package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/hearth"
)

type testEnv struct {
	origin *httptest.Server
	proxy  *httptest.Server
	reg    *hearth.Registration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>home</html>")
		case "/css/style.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	h, err := hearth.New(ctx,
		hearth.WithMemory(8<<20),
		hearth.WithWorker("test-site", "v1", origin.URL),
		hearth.WithStaticAssets("/", "/index.html", "/css/style.css"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	originURL, err := parseOrigin(h.Origin())
	require.NoError(t, err)

	reg := h.NewRegistration(nil)
	_, err = reg.Register(ctx, h.Version())
	require.NoError(t, err)
	client := reg.NewClient()

	proxy := httptest.NewServer(newServer(h, reg, client, originURL, zap.NewNop()))
	t.Cleanup(proxy.Close)

	return &testEnv{origin: origin, proxy: proxy, reg: reg}
}

func decodeEnvelope(t *testing.T, resp *http.Response, data any) {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.Success)
	require.NoError(t, json.Unmarshal(env.Data, data))
}

func TestProxyServesAssetsWhenOriginIsDown(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.proxy.URL + "/css/style.css")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(body))

	env.origin.Close()

	resp, err = http.Get(env.proxy.URL + "/css/style.css")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "body{}", string(body))

	resp, err = http.Get(env.proxy.URL + "/missing.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestVisitAndStats(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.proxy.URL+"/__hearth/visit", "application/json", strings.NewReader(`{"url":"https://blog.example/blog/first-post/"}`))
	require.NoError(t, err)
	var receipt hearth.VisitReceipt
	decodeEnvelope(t, resp, &receipt)
	assert.Equal(t, "blog/first-post", receipt.Page)
	assert.Equal(t, 1, receipt.Count)
	assert.Equal(t, 1, receipt.TotalSite)

	resp, err = http.Post(env.proxy.URL+"/__hearth/visit", "application/json", nil)
	require.NoError(t, err)
	decodeEnvelope(t, resp, &receipt)
	assert.Equal(t, "home", receipt.Page)
	assert.Equal(t, 2, receipt.TotalSite)

	resp, err = http.Get(env.proxy.URL + "/__hearth/stats?page=blog/first-post")
	require.NoError(t, err)
	var counts map[string]int
	decodeEnvelope(t, resp, &counts)
	assert.Equal(t, map[string]int{"total": 2, "page_count": 1}, counts)

	resp, err = http.Get(env.proxy.URL + "/__hearth/stats")
	require.NoError(t, err)
	var stats hearth.VisitStats
	decodeEnvelope(t, resp, &stats)
	assert.Equal(t, 2, stats.TotalVisits)
	assert.Equal(t, 2, stats.TodayVisits)
}

func TestVisitRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.proxy.URL+"/__hearth/visit", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSkipWaitingActivatesNewVersion(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.proxy.URL+"/__hearth/skip-waiting", "", nil)
	require.NoError(t, err)
	var state map[string]string
	decodeEnvelope(t, resp, &state)
	assert.Equal(t, "v1", state["active"])

	_, err = env.reg.Register(context.Background(), "v2")
	require.NoError(t, err)

	resp, err = http.Post(env.proxy.URL+"/__hearth/skip-waiting", "", nil)
	require.NoError(t, err)
	decodeEnvelope(t, resp, &state)
	assert.Equal(t, "v2", state["active"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.proxy.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hearth_worker_")
}

func TestParseOrigin(t *testing.T) {
	_, err := parseOrigin("")
	assert.Error(t, err)
	_, err = parseOrigin("ftp://example.com")
	assert.Error(t, err)

	u, err := parseOrigin("https://blog.example")
	require.NoError(t, err)
	assert.Equal(t, "blog.example", u.Host)
}
