package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/open_model_server/internal/config"
	"github.com/ncecere/open_model_server/internal/models"
)

func TestSetupDisabledReturnsNilProvider(t *testing.T) {
	provider, err := Setup(context.Background(), config.ObservabilityConfig{})
	require.NoError(t, err)
	require.Nil(t, provider)

	// nil providers swallow observations
	provider.RecordGeneration("m", "chat", "completed", models.Usage{}, time.Second)
	provider.SetModelLoaded("m", true)
	require.Nil(t, provider.PrometheusHandler())
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestMetricsAreScraped(t *testing.T) {
	provider, err := Setup(context.Background(), config.ObservabilityConfig{EnableMetrics: true, ServiceName: "modeld-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	provider.RecordHTTPRequest(context.Background(), http.MethodPost, "/v1/chat/completions", 200, 40*time.Millisecond)
	provider.RecordGeneration("llama-3", "stream", "completed", models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, time.Second)
	provider.SetLoadProgress("llama-3", 50)
	provider.RecordLoad("llama-3", "loaded", 2*time.Second)
	provider.SetModelLoaded("llama-3", true)
	provider.SetBackendHealthy(true)

	rec := httptest.NewRecorder()
	provider.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	require.Contains(t, out, `modeld_http_requests_total{method="POST",route="/v1/chat/completions",status="200"} 1`)
	require.Contains(t, out, `modeld_generations_total{mode="stream",model="llama-3",outcome="completed"} 1`)
	require.Contains(t, out, `modeld_tokens_total{model="llama-3",type="completion"} 2`)
	require.Contains(t, out, `modeld_model_loads_total{model="llama-3",outcome="loaded"} 1`)
	require.Contains(t, out, `modeld_model_loaded{model="llama-3"} 1`)
	require.Contains(t, out, "modeld_backend_up 1")
	require.NotContains(t, out, "modeld_model_load_progress_percent{")
}
