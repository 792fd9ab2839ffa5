package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// ---------------------------------------------------------------------------
// Rate limit state (global pause for parallel workers)
// ---------------------------------------------------------------------------

type rateLimitState struct {
	mu       sync.Mutex
	paused   int32 // atomic: 1 = paused
	pauseEnd time.Time
}

func (r *rateLimitState) isPaused() bool {
	return atomic.LoadInt32(&r.paused) == 1
}

func (r *rateLimitState) pause(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := time.Now().Add(duration)
	if end.After(r.pauseEnd) {
		r.pauseEnd = end
	}
	atomic.StoreInt32(&r.paused, 1)
}

func (r *rateLimitState) unpause() {
	atomic.StoreInt32(&r.paused, 0)
}

// waitIfPaused blocks until the rate limit pause is over.
func (r *rateLimitState) waitIfPaused(ctx context.Context) error {
	for r.isPaused() {
		r.mu.Lock()
		remaining := time.Until(r.pauseEnd)
		r.mu.Unlock()
		if remaining <= 0 {
			r.unpause()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(remaining, 100*time.Millisecond)):
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// API format types
// ---------------------------------------------------------------------------

type apiFormat int

const (
	formatOpenAIChat   apiFormat = iota // OpenAI chat/completions
	formatAnthropic                     // Anthropic messages
	formatGeminiNative                  // Google Gemini generateContent
)

func formatFor(backend string) apiFormat {
	switch backend {
	case BackendAnthropic:
		return formatAnthropic
	case BackendGemini:
		return formatGeminiNative
	default:
		return formatOpenAIChat
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is an HTTP Translator for one provider. One Client is created per
// job so its rate-limit gate is shared by exactly that job's workers.
type Client struct {
	prov   Provider
	format apiFormat
	http   *resty.Client
	rl     *rateLimitState

	// OnLog receives debug lines (count mismatches, rate limits).
	OnLog func(format string, args ...any)
}

// NewClient builds a Client for prov. The wire format follows prov.ID.
func NewClient(prov Provider) *Client {
	h := resty.New().SetTimeout(prov.effectiveTimeout())
	if prov.Proxy != "" {
		h.SetProxy(prov.Proxy)
	}
	return &Client{
		prov:   prov,
		format: formatFor(prov.ID),
		http:   h,
		rl:     &rateLimitState{},
	}
}

func (c *Client) log(format string, args ...any) {
	if c.OnLog != nil {
		c.OnLog(format, args...)
	}
}

// Translate sends one prompt and parses the reply into units.
func (c *Client) Translate(ctx context.Context, req Request) ([]string, error) {
	text, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	units := ParseUnits(text, req.Expected)
	if len(units) == 0 {
		return nil, fmt.Errorf("%s: %w", c.prov.Name, ErrEmptyResponse)
	}
	if req.Expected > 0 && len(units) != req.Expected {
		c.log("%s returned %d units, expected %d", c.prov.Name, len(units), req.Expected)
	}
	return units, nil
}

// complete performs one HTTP round trip and returns the model's text.
// A 429 pauses every caller sharing this Client and is reported as a
// *RateLimitError; retrying is the caller's decision.
func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	if err := c.rl.waitIfPaused(ctx); err != nil {
		return "", err
	}

	apiKey := req.Credentials
	if apiKey == "" {
		apiKey = c.prov.APIKey
	}
	endpoint, headers, body, err := buildHTTPRequest(c.prov, c.format, req.Model, apiKey, req.Prompt)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", c.prov.Name, err)
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		delay := parseRetryDelay(resp.Body())
		c.log("%s: 429 rate limited, pausing workers for %v", c.prov.Name, delay)
		c.rl.pause(delay)
		return "", &RateLimitError{Backend: c.prov.Name, Delay: delay}
	}
	if resp.IsError() {
		return "", fmt.Errorf("%s returned %s: %s", c.prov.Name, resp.Status(), truncate(resp.String(), 500))
	}

	return extractResponseText(resp.Body())
}

// ---------------------------------------------------------------------------
// Request builders for each API format
// ---------------------------------------------------------------------------

// buildHTTPRequest constructs the endpoint, headers, and body for a call.
func buildHTTPRequest(prov Provider, format apiFormat, model, apiKey string, p Prompt) (string, map[string]string, []byte, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	base := strings.TrimRight(prov.BaseURL, "/")

	var (
		endpoint string
		body     []byte
		err      error
	)
	switch format {
	case formatGeminiNative:
		// POST /v1beta/models/{model}:generateContent
		endpoint = fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, model)
		if apiKey != "" {
			headers["x-goog-api-key"] = apiKey
		}
		body, err = buildGeminiRequest(p.System, p.User, prov.Temperature)

	case formatAnthropic:
		endpoint = base + "/messages"
		if apiKey != "" {
			headers["x-api-key"] = apiKey
		}
		headers["anthropic-version"] = "2023-06-01"
		body, err = buildAnthropicRequest(model, p.System, p.User, prov.Temperature)

	default: // formatOpenAIChat
		endpoint = base
		if !strings.HasSuffix(endpoint, "/chat/completions") {
			endpoint += "/chat/completions"
		}
		if apiKey != "" {
			headers["Authorization"] = "Bearer " + apiKey
		}
		body, err = buildOpenAIChatRequest(model, p.System, p.User, prov.Temperature)
	}
	if err != nil {
		return "", nil, nil, err
	}
	return endpoint, headers, body, nil
}

func buildOpenAIChatRequest(model, systemPrompt, userPrompt string, temperature float64) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	req := struct {
		Model       string  `json:"model"`
		Messages    []msg   `json:"messages"`
		Temperature float64 `json:"temperature"`
		Stream      bool    `json:"stream"`
	}{
		Model: model,
		Messages: []msg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
	}
	return json.Marshal(req)
}

func buildGeminiRequest(systemPrompt, userPrompt string, temperature float64) ([]byte, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}
	type genConfig struct {
		Temperature float64 `json:"temperature"`
	}
	req := struct {
		Contents          []content `json:"contents"`
		GenerationConfig  genConfig `json:"generationConfig"`
		SystemInstruction *content  `json:"systemInstruction,omitempty"`
	}{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: userPrompt}}},
		},
		GenerationConfig: genConfig{Temperature: temperature},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}
	return json.Marshal(req)
}

func buildAnthropicRequest(model, systemPrompt, userPrompt string, temperature float64) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	req := struct {
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		System      string  `json:"system,omitempty"`
		Messages    []msg   `json:"messages"`
		Temperature float64 `json:"temperature"`
	}{
		Model:       model,
		MaxTokens:   8192,
		System:      systemPrompt,
		Messages:    []msg{{Role: "user", Content: userPrompt}},
		Temperature: temperature,
	}
	return json.Marshal(req)
}

// ---------------------------------------------------------------------------
// Response parsing (multi-format)
// ---------------------------------------------------------------------------

// extractResponseText tries all known response formats and returns the text.
func extractResponseText(body []byte) (string, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("invalid JSON response: %w", err)
	}

	if errObj, ok := raw["error"]; ok && errObj != nil {
		if errMap, ok := errObj.(map[string]any); ok {
			if msg, ok := errMap["message"].(string); ok {
				return "", fmt.Errorf("API error: %s", msg)
			}
		}
		return "", fmt.Errorf("API error: %v", errObj)
	}

	// OpenAI chat: choices[0].message.content
	if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}

	// Gemini: candidates[0].content.parts[*].text
	if candidates, ok := raw["candidates"].([]any); ok && len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content, ok := candidate["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					var sb strings.Builder
					for _, p := range parts {
						if part, ok := p.(map[string]any); ok {
							if text, ok := part["text"].(string); ok {
								sb.WriteString(text)
							}
						}
					}
					if sb.Len() > 0 {
						return sb.String(), nil
					}
				}
			}
		}
	}

	// Anthropic: content[].type=="text" -> .text
	if contentArr, ok := raw["content"].([]any); ok {
		for _, c := range contentArr {
			if block, ok := c.(map[string]any); ok && block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					return text, nil
				}
			}
		}
	}

	return "", fmt.Errorf("could not extract text from response: %s", truncate(string(body), 500))
}

// parseRetryDelay extracts the retry delay from a 429 response body.
// Looks for Google's RetryInfo detail with a retryDelay field and falls
// back to 60s plus a 5s buffer.
func parseRetryDelay(body []byte) time.Duration {
	const defaultDelay = 65 * time.Second

	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return defaultDelay
	}

	for _, detail := range errResp.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			d := strings.TrimSuffix(detail.RetryDelay, "s")
			if secs, err := strconv.ParseFloat(d, 64); err == nil {
				return time.Duration(secs*1000)*time.Millisecond + 5*time.Second
			}
		}
	}
	return defaultDelay
}
