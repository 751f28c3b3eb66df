// Package llm provides LLM backend implementations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Anthropic is an LLM implementation using the Anthropic API.
type Anthropic struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	model       string
	maxTokens   int
	temperature *float64
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*Anthropic)

// WithAPIKey sets the API key.
func WithAPIKey(key string) AnthropicOption {
	return func(a *Anthropic) {
		a.apiKey = key
	}
}

// WithModel sets the default model.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) {
		a.model = model
	}
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) {
		a.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) AnthropicOption {
	return func(a *Anthropic) {
		a.httpClient = client
	}
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(n int) AnthropicOption {
	return func(a *Anthropic) {
		a.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AnthropicOption {
	return func(a *Anthropic) {
		a.temperature = &t
	}
}

// Default Anthropic configuration values
const (
	DefaultAnthropicTimeout   = 5 * time.Minute
	DefaultAnthropicModel     = "claude-sonnet-4-20250514"
	DefaultAnthropicBaseURL   = "https://api.anthropic.com"
	DefaultAnthropicMaxTokens = 8192
)

// NewAnthropic creates a new Anthropic LLM client.
func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:  os.Getenv("ANTHROPIC_API_KEY"),
		baseURL: DefaultAnthropicBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultAnthropicTimeout,
		},
		model:     DefaultAnthropicModel,
		maxTokens: DefaultAnthropicMaxTokens,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// cacheControl marks a block for Anthropic prompt caching.
type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// systemBlock is a structured system prompt block with optional cache control.
type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

// anthropicRequest is the API request format.
type anthropicRequest struct {
	Model       string         `json:"model"`
	Messages    []anthropicMsg `json:"messages"`
	System      any            `json:"system,omitempty"` // string or []systemBlock
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// anthropicResponse is the API response format.
type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ValidateKey makes a minimal API call to verify the API key is valid.
// Returns nil on success, or an error describing the failure (empty key,
// authentication failure, or network/other error).
func (a *Anthropic) ValidateKey(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("API key is empty")
	}

	req := &anthropicRequest{
		Model:     a.model,
		MaxTokens: 1,
		Messages:  []anthropicMsg{{Role: "user", Content: "hi"}},
	}

	_, err := a.doRequest(ctx, req)
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid") || strings.Contains(errStr, "authentication") {
		return fmt.Errorf("invalid API key: %w", err)
	}
	return fmt.Errorf("could not reach Anthropic API: %w", err)
}

// Generate sends a conversation and returns the complete response.
func (a *Anthropic) Generate(ctx context.Context, messages []Message) (*Response, error) {
	start := time.Now()

	req := a.buildRequest(messages)

	resp, err := a.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	return a.parseResponse(resp, time.Since(start))
}

func (a *Anthropic) buildRequest(messages []Message) *anthropicRequest {
	req := &anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	}

	// Extract system message and convert others. The API requires
	// user/assistant roles to alternate, so consecutive same-role
	// messages are merged.
	var anthropicMsgs []anthropicMsg
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			req.System = []systemBlock{{
				Type:         "text",
				Text:         msg.Content,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}
			continue
		}

		if n := len(anthropicMsgs); n > 0 && anthropicMsgs[n-1].Role == string(msg.Role) {
			anthropicMsgs[n-1].Content += "\n\n" + msg.Content
			continue
		}
		anthropicMsgs = append(anthropicMsgs, anthropicMsg{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	req.Messages = anthropicMsgs

	return req
}

func (a *Anthropic) createHTTPRequest(ctx context.Context, req *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	return httpReq, nil
}

func (a *Anthropic) doRequest(ctx context.Context, req *anthropicRequest) (*anthropicResponse, error) {
	const maxRetries = 5

	for attempt := 0; attempt <= maxRetries; attempt++ {
		httpReq, err := a.createHTTPRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		httpResp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}

		body, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if httpResp.StatusCode == http.StatusOK {
			var resp anthropicResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, fmt.Errorf("unmarshal response: %w", err)
			}
			return &resp, nil
		}

		// Retry on 429 (rate limit) and 529 (overloaded).
		if (httpResp.StatusCode == 429 || httpResp.StatusCode == 529) && attempt < maxRetries {
			wait := retryAfterDelay(httpResp, attempt)
			slog.Warn("API rate limited, retrying", "status", httpResp.StatusCode, "attempt", attempt+1, "wait", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// retryAfterDelay returns how long to wait before retrying a rate-limited request.
// It respects the retry-after header if present, otherwise uses exponential backoff.
func retryAfterDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("retry-after"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	// Exponential backoff: 5s, 10s, 20s, 40s, 60s
	wait := time.Duration(5<<uint(attempt)) * time.Second
	if wait > 60*time.Second {
		wait = 60 * time.Second
	}
	return wait
}

func (a *Anthropic) parseResponse(resp *anthropicResponse, latency time.Duration) (*Response, error) {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content:      content.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      CalculateCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		LatencyMs:    latency.Milliseconds(),
		StopReason:   StopReason(resp.StopReason),
	}, nil
}
