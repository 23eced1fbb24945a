package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oarthurfc/AI-outgoing-call/internal/domain"
	"github.com/oarthurfc/AI-outgoing-call/pkg/logger"
	"go.uber.org/zap"
)

// ResumeClient delivers call outcomes to the orchestrator's resume targets.
// Delivery is a single attempt; it never retries.
type ResumeClient struct {
	HTTPClient *http.Client
}

// NewResumeClient creates a resume target client
func NewResumeClient(timeout time.Duration) *ResumeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ResumeClient{
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Notify POSTs the outcome to resumeTarget. Network failures and non-2xx
// responses wrap domain.ErrDelivery.
func (c *ResumeClient) Notify(ctx context.Context, resumeTarget string, outcome domain.CallOutcome) error {
	jsonData, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal outcome: %v", domain.ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resumeTarget, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", domain.ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %v", domain.ErrDelivery, err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused; the body is not consumed otherwise
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: resume target returned status %d", domain.ErrDelivery, resp.StatusCode)
	}

	logger.FromContext(ctx).Info("Outcome delivered to resume target", zap.String("call_id", outcome.CallID), zap.Int("status_code", resp.StatusCode))
	return nil
}
