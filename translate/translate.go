// Package translate talks to LLM translation backends (OpenAI, Anthropic,
// Gemini) and turns one batch of units into one translated batch.
//
// The pieces, bottom up:
//
//   - Translator: the abstract capability, "send a prompt, get units back".
//   - Client: an HTTP Translator for one provider (resty), with a shared
//     rate-limit gate so a 429 pauses every worker of the job.
//   - Registry: model-name prefix -> backend, resolved once per job.
//   - ParseUnits: ordered parser strategies for untrusted responses.
//   - BatchTranslator: prompt, call, parse, retry with backoff, and the
//     <failed> placeholder when retries run out.
package translate

import (
	"context"
	"errors"
	"time"
)

// ---------------------------------------------------------------------------
// Backend IDs
// ---------------------------------------------------------------------------

const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendGemini    = "gemini"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrUnsupportedModel is returned when no backend claims a model name.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrEmptyResponse is returned when a backend answered with nothing
	// usable.
	ErrEmptyResponse = errors.New("empty translation response")
)

// RateLimitError reports an HTTP 429 and how long the backend asked us to
// wait.
type RateLimitError struct {
	Backend string
	Delay   time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Backend + ": rate limited, retry after " + e.Delay.String()
}

// ---------------------------------------------------------------------------
// Capability
// ---------------------------------------------------------------------------

// Prompt is a system/user message pair.
type Prompt struct {
	System string
	User   string
}

// Request is one translation call.
type Request struct {
	Prompt Prompt
	// Model is the backend model name, e.g. "gpt-4o" or "claude-3-5-sonnet".
	Model string
	// Credentials is the API key. Empty falls back to the provider's key.
	Credentials string
	// Expected is the number of units the prompt asked for.
	Expected int
}

// Translator is the translation backend capability. Implementations return
// the translated units, or an error that the caller may retry.
type Translator interface {
	Translate(ctx context.Context, req Request) ([]string, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, req Request) ([]string, error)

// Translate calls f.
func (f TranslatorFunc) Translate(ctx context.Context, req Request) ([]string, error) {
	return f(ctx, req)
}

// ---------------------------------------------------------------------------
// Provider configuration
// ---------------------------------------------------------------------------

// Provider holds the connection settings for one backend.
type Provider struct {
	// ID is the backend identifier (openai, anthropic, gemini).
	ID string
	// Name is the display name used in logs and errors.
	Name string
	// BaseURL is the API base URL.
	BaseURL string
	// APIKey is used when a request carries no credentials.
	APIKey string
	// Proxy is an optional HTTP/HTTPS proxy URL.
	Proxy string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// Temperature is sent where the API supports it.
	Temperature float64
}

// DefaultProviders returns the built-in backend definitions.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		BackendOpenAI: {
			ID:          BackendOpenAI,
			Name:        "OpenAI",
			BaseURL:     "https://api.openai.com/v1",
			Timeout:     120 * time.Second,
			Temperature: 0.3,
		},
		BackendAnthropic: {
			ID:          BackendAnthropic,
			Name:        "Anthropic",
			BaseURL:     "https://api.anthropic.com/v1",
			Timeout:     120 * time.Second,
			Temperature: 0.3,
		},
		BackendGemini: {
			ID:          BackendGemini,
			Name:        "Google AI (Gemini)",
			BaseURL:     "https://generativelanguage.googleapis.com",
			Timeout:     120 * time.Second,
			Temperature: 0.3,
		},
	}
}

func (p Provider) effectiveTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 120 * time.Second
}

// truncate truncates a string to maxLen bytes.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
