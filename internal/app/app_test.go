package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-scraper/internal/config"
	"github.com/JakeFAU/marketplace-scraper/internal/scraper"
)

const searchPage = `<html><body><main>
<div data-scroll-id="%d" data-product-id="%d">
  <a href="/p/%d"><span itemprop="name">%s</span></a>
  <span itemprop="brand">Acme</span>
  <meta itemprop="price" content="199.90">
  <meta itemprop="priceCurrency" content="RUB">
</div>
</main></body></html>`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Browser.Driver = "colly"
	cfg.Browser.DomainQPS = 0
	cfg.Extract.Mode = "selectors"
	cfg.Batch.Throttle = time.Millisecond
	cfg.Worker.Concurrency = 1
	cfg.Worker.SweepSchedule = ""
	cfg.RateLimit.EvictSchedule = ""
	return cfg
}

func marketplace(t *testing.T) *httptest.Server {
	t.Helper()
	products := map[string]struct {
		id   int
		name string
	}{
		"red lipstick": {id: 12, name: "Red Lipstick Matte"},
		"blue mascara": {id: 34, name: "Blue Mascara Volume"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := products[r.URL.Query().Get("q")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, searchPage, p.id, p.id, p.id, p.name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildFailsWithoutClaudeKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Extract.Mode = "claude"
	cfg.Extract.Claude.APIKey = ""
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "claude parser")
}

func TestAppEndToEnd(t *testing.T) {
	t.Parallel()

	site := marketplace(t)
	a, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	defer func() {
		cancel()
		require.NoError(t, a.Close(context.Background()))
	}()

	body := fmt.Sprintf(`{"terms":["red lipstick","blue mascara"],"baseUrl":%q,"userId":"user-1","marketplaceConfigId":"cfg-1"}`,
		site.URL+"/search?q=")
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitted struct {
		JobID  string            `json:"jobId"`
		Status scraper.JobStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.Equal(t, scraper.JobStatusQueued, submitted.Status)

	var detail struct {
		Job      scraper.Job       `json:"job"`
		Products []scraper.Product `json:"products"`
	}
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+submitted.JobID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
			return false
		}
		return detail.Job.Status.Terminal()
	}, 10*time.Second, 50*time.Millisecond)

	require.Equal(t, scraper.JobStatusCompleted, detail.Job.Status, detail.Job.ErrorMessage)
	require.Len(t, detail.Products, 2)
	names := map[string]string{}
	for _, p := range detail.Products {
		names[p.SearchTerm] = p.Name
	}
	require.Equal(t, "Red Lipstick Matte", names["red lipstick"])
	require.Equal(t, "Blue Mascara Volume", names["blue mascara"])
}

func TestAppReadiness(t *testing.T) {
	t.Parallel()

	a, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestNewExtractorModes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	for _, mode := range []string{"selectors", "service"} {
		cfg.Extract.Mode = mode
		cfg.Extract.ServiceURL = "http://extract.test/parse"
		ext, err := NewExtractor(cfg)
		require.NoError(t, err, mode)
		require.NotNil(t, ext)
	}
}
