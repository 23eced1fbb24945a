package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"go.uber.org/zap"
)

const (
	DefaultUltravoxBaseURL = "https://api.ultravox.ai"
	ultravoxCallsPath      = "/api/calls"
	maxResponseBody        = 1 << 20
)

// UltravoxClient provisions voice-AI sessions through the Ultravox API
type UltravoxClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// UltravoxCallResponse is the subset of the call creation response we consume
type UltravoxCallResponse struct {
	CallID  string `json:"callId"`
	JoinURL string `json:"joinUrl"`
}

// NewUltravoxClient creates a new Ultravox API client
func NewUltravoxClient(baseURL, apiKey string, timeout time.Duration) *UltravoxClient {
	if baseURL == "" {
		baseURL = DefaultUltravoxBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &UltravoxClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// buildCallBody flattens the prompt config into the Ultravox request body.
// Extra keys never override the modelled fields.
func buildCallBody(cfg domain.PromptConfig) map[string]interface{} {
	body := make(map[string]interface{}, len(cfg.Extra)+8)
	for k, v := range cfg.Extra {
		body[k] = v
	}
	if cfg.SystemPrompt != "" {
		body["systemPrompt"] = cfg.SystemPrompt
	}
	if cfg.Model != "" {
		body["model"] = cfg.Model
	}
	if cfg.Voice != "" {
		body["voice"] = cfg.Voice
	}
	if cfg.Temperature != nil {
		body["temperature"] = *cfg.Temperature
	}
	if cfg.FirstSpeaker != "" {
		body["firstSpeaker"] = cfg.FirstSpeaker
	}
	if cfg.LanguageHint != "" {
		body["languageHint"] = cfg.LanguageHint
	}
	if cfg.MaxDuration != "" {
		body["maxDuration"] = cfg.MaxDuration
	}
	medium := cfg.Medium
	if len(medium) == 0 {
		medium = domain.DefaultMedium
	}
	body["medium"] = medium
	return body
}

// CreateCall creates an Ultravox call for the prompt config and returns its join URL.
// Every failure wraps domain.ErrProvisioning.
func (c *UltravoxClient) CreateCall(ctx context.Context, cfg domain.PromptConfig) (string, error) {
	jsonData, err := json.Marshal(buildCallBody(cfg))
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request: %v", domain.ErrProvisioning, err)
	}

	url := c.BaseURL + ultravoxCallsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create request: %v", domain.ErrProvisioning, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)

	logger.FromContext(ctx).Info("Creating Ultravox call", zap.String("url", url), zap.String("model", cfg.Model), zap.String("voice", cfg.Voice))
	startTime := time.Now()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to send request: %v", domain.ErrProvisioning, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response body: %v", domain.ErrProvisioning, err)
	}

	logger.FromContext(ctx).Info("Ultravox API responded", zap.Int("status_code", resp.StatusCode), zap.Duration("duration", time.Since(startTime)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: ultravox returned status %d: %s", domain.ErrProvisioning, resp.StatusCode, truncate(string(bodyBytes), 512))
	}

	var callResp UltravoxCallResponse
	if err := json.Unmarshal(bodyBytes, &callResp); err != nil {
		return "", fmt.Errorf("%w: malformed response body: %v", domain.ErrProvisioning, err)
	}
	if callResp.JoinURL == "" {
		return "", fmt.Errorf("%w: response has no joinUrl", domain.ErrProvisioning)
	}

	logger.FromContext(ctx).Info("Got Ultravox join URL", zap.String("ultravox_call_id", callResp.CallID))
	return callResp.JoinURL, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
