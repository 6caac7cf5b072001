package vetter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

const cleanCode = "import numpy as np\nprint(np.zeros(3))\n"

func scannerCfg(endpoint string, quick bool) config.ScannerConfig {
	return config.ScannerConfig{
		Enabled:        true,
		QuickMode:      quick,
		Endpoint:       endpoint,
		Model:          "test-model",
		TimeoutSeconds: 5,
		APIKey:         "test-key",
	}
}

func verdictServer(t *testing.T, verdict string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.InDelta(t, 0.1, req["temperature"], 0.001)

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": verdict}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestScanCriticalSkipsLLM(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := NewScanner(scannerCfg(srv.URL, false))
	report := s.Scan(context.Background(), "eval('1')\n", "comp-1")

	assert.False(t, report.Safe)
	assert.Equal(t, 1.0, report.Confidence)
	assert.False(t, called, "critical findings must not reach the LLM")
}

func TestScanCleanCodeUsesLLM(t *testing.T) {
	srv := verdictServer(t, `{"safe": true, "relevant": true, "issues": [], "confidence": 0.95, "explanation": "legitimate ML code"}`)
	defer srv.Close()

	s := NewScanner(scannerCfg(srv.URL, false))
	report := s.Scan(context.Background(), cleanCode, "comp-1")

	assert.True(t, report.Safe)
	assert.True(t, report.Relevant)
	assert.InDelta(t, 0.95, report.Confidence, 0.001)
}

func TestScanMergesStaticWarningsWithLLMIssues(t *testing.T) {
	srv := verdictServer(t, `{"safe": true, "relevant": true, "issues": ["reads large files"], "confidence": 0.8, "explanation": "ok"}`)
	defer srv.Close()

	s := NewScanner(scannerCfg(srv.URL, false))
	report := s.Scan(context.Background(), "import subprocess\nx = 1\n", "comp-1")

	assert.Contains(t, report.Issues, "Import of 'subprocess' - will be reviewed")
	assert.Contains(t, report.Issues, "reads large files")
}

func TestScanTransportFailureFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	s := NewScanner(scannerCfg(srv.URL, false))
	report := s.Scan(context.Background(), cleanCode, "comp-1")

	assert.False(t, report.Safe)
	assert.Equal(t, 0.0, report.Confidence)
}

func TestScanUpstreamErrorFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewScanner(scannerCfg(srv.URL, false))
	report := s.Scan(context.Background(), cleanCode, "comp-1")

	assert.False(t, report.Safe)
}

func TestQuickModeSkipsLLM(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := NewScanner(scannerCfg(srv.URL, true))
	report := s.Scan(context.Background(), "import os\nx = 1\n", "comp-1")

	assert.True(t, report.Safe)
	assert.Contains(t, report.Issues, "Import of 'os' - will be reviewed")
	assert.False(t, called)
}
