package vetter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/log"
	"github.com/thetenthbox/gpuq/pkg/metrics"
	"github.com/thetenthbox/gpuq/pkg/types"
	"golang.org/x/time/rate"
)

// Scanner vets submitted code: static rule scan first, then an LLM
// verdict over the configured chat-completion endpoint. Any critical
// static finding short-circuits the LLM call; any transport or parse
// failure on the LLM path fails closed.
type Scanner struct {
	cfg      config.ScannerConfig
	client   *http.Client
	outbound *rate.Limiter
	logger   zerolog.Logger
}

// NewScanner creates a scanner from the given configuration
func NewScanner(cfg config.ScannerConfig) *Scanner {
	return &Scanner{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		// Pace outbound LLM calls so a submission burst cannot stampede
		// the endpoint: 1/s sustained, small burst.
		outbound: rate.NewLimiter(rate.Limit(1), 3),
		logger:   log.WithComponent("vetter"),
	}
}

// Scan runs the full pipeline and returns the combined verdict
func (s *Scanner) Scan(ctx context.Context, code, competitionID string) *types.ScanReport {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScanDuration)

	report := s.scan(ctx, code, competitionID)

	verdict := "safe"
	if !report.Safe {
		verdict = "unsafe"
	} else if !report.Relevant {
		verdict = "irrelevant"
	}
	metrics.ScansTotal.WithLabelValues(verdict).Inc()
	return report
}

func (s *Scanner) scan(ctx context.Context, code, competitionID string) *types.ScanReport {
	static := staticScan(code)

	if len(static.critical) > 0 {
		return &types.ScanReport{
			Safe:        false,
			Relevant:    true,
			Issues:      static.critical,
			Confidence:  1.0,
			Explanation: "Static analysis detected critical security issues",
		}
	}

	if s.cfg.QuickMode {
		return &types.ScanReport{
			Safe:        true,
			Relevant:    true,
			Issues:      static.warnings,
			Confidence:  0.7,
			Explanation: "Static analysis only (LLM check skipped)",
		}
	}

	llm := s.llmAnalysis(ctx, code, competitionID)
	return &types.ScanReport{
		Safe:        llm.Safe,
		Relevant:    llm.Relevant,
		Issues:      append(append([]string{}, static.warnings...), llm.Issues...),
		Confidence:  llm.Confidence,
		Explanation: llm.Explanation,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (s *Scanner) llmAnalysis(ctx context.Context, code, competitionID string) *types.ScanReport {
	failClosed := func(issue, explanation string) *types.ScanReport {
		return &types.ScanReport{
			Safe:        false,
			Relevant:    true,
			Issues:      []string{issue},
			Confidence:  0,
			Explanation: explanation,
		}
	}

	if err := s.outbound.Wait(ctx); err != nil {
		return failClosed("Unable to complete security scan: throttled", "Security scan failed - manual review required")
	}

	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a security expert analyzing Python code for ML competitions."},
			{Role: "user", Content: buildPrompt(code, competitionID)},
		},
		Temperature: 0.1,
		MaxTokens:   1000,
	})
	if err != nil {
		return failClosed("Unable to build security scan request", "Security scan failed - manual review required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return failClosed("Unable to build security scan request", "Security scan failed - manual review required")
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Code scan transport failure, failing closed")
		return failClosed(fmt.Sprintf("Unable to complete security scan: %v", err), "Security scan failed - manual review required")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failClosed(fmt.Sprintf("Unable to complete security scan: HTTP %d", resp.StatusCode), "Security scan failed - manual review required")
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || len(parsed.Choices) == 0 {
		return failClosed("Unable to parse security analysis", "Analysis parsing failed")
	}

	return parseVerdict(parsed.Choices[0].Message.Content)
}

// parseVerdict extracts the JSON verdict from the model output,
// tolerating markdown code fences around it.
func parseVerdict(content string) *types.ScanReport {
	blob := content
	if idx := strings.Index(blob, "```json"); idx >= 0 {
		blob = blob[idx+len("```json"):]
		if end := strings.Index(blob, "```"); end >= 0 {
			blob = blob[:end]
		}
	} else if idx := strings.Index(blob, "```"); idx >= 0 {
		blob = blob[idx+3:]
		if end := strings.Index(blob, "```"); end >= 0 {
			blob = blob[:end]
		}
	}
	blob = strings.TrimSpace(blob)

	var verdict struct {
		Safe        bool     `json:"safe"`
		Relevant    bool     `json:"relevant"`
		Issues      []string `json:"issues"`
		Confidence  float64  `json:"confidence"`
		Explanation string   `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(blob), &verdict); err != nil {
		return &types.ScanReport{
			Safe:        false,
			Relevant:    true,
			Issues:      []string{"Unable to parse security analysis"},
			Confidence:  0,
			Explanation: fmt.Sprintf("Analysis parsing failed: %v", err),
		}
	}

	return &types.ScanReport{
		Safe:        verdict.Safe,
		Relevant:    verdict.Relevant,
		Issues:      verdict.Issues,
		Confidence:  verdict.Confidence,
		Explanation: verdict.Explanation,
	}
}

func buildPrompt(code, competitionID string) string {
	return fmt.Sprintf(`Analyze the following Python code submission for a machine learning competition.

Competition ID: %s

Code to analyze:
`+"```python\n%s\n```"+`

Please analyze for:
1. SECURITY: Any malicious code, system access, network calls, file operations outside /tmp
2. RELEVANCE: Is this legitimate ML/data science code for a competition?
3. RESOURCE ABUSE: Infinite loops, excessive memory allocation, fork bombs

Respond in JSON format:
{
    "safe": true/false,
    "relevant": true/false,
    "issues": ["list of specific issues found"],
    "confidence": 0.0-1.0,
    "explanation": "brief explanation of your assessment"
}

Only mark as safe=true if code:
- Contains no system/network access
- Has no malicious intent
- Follows ML competition patterns
- Won't abuse resources

Only mark as relevant=true if code:
- Appears to be legitimate ML/data science
- Fits pattern of competition submission
- Not random/test code`, competitionID, code)
}
