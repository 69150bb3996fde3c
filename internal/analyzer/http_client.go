// HTTP implementation of the analyzer contract.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
)

// HTTPClient talks to the analyzer's REST API. Every call carries the
// configured timeout; failures are returned to the caller, which degrades
// rather than aborting the pipeline.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPClient constructs an HTTPClient. timeout bounds each outbound call
// end to end.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type analyzeRequest struct {
	Text       string `json:"text"`
	EntityName string `json:"entity_name"`
}

// Analyze implements Client.
func (c *HTTPClient) Analyze(ctx context.Context, text, entityName string) (*extract.Signals, error) {
	var out extract.Signals
	if err := c.post(ctx, "/v1/analyze", "", analyzeRequest{Text: text, EntityName: entityName}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type submitRequest struct {
	Prompt  string `json:"prompt"`
	Locale  string `json:"locale"`
	Channel string `json:"channel"`
}

// Submit implements Client. The idempotency key rides in a header so the
// provider can dedup resubmissions of the same task id.
func (c *HTTPClient) Submit(ctx context.Context, promptText, locale string, channel domain.Channel, idempotencyKey string) error {
	return c.post(ctx, "/v1/tasks", idempotencyKey, submitRequest{
		Prompt:  promptText,
		Locale:  locale,
		Channel: string(channel),
	}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("analyzer: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Warn().
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("analyzer call failed")
		return fmt.Errorf("analyzer: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("analyzer: decode response: %w", err)
	}
	return nil
}
