package translate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minios-linux/lokitd/batch"
)

// ---------------------------------------------------------------------------
// ParseUnits
// ---------------------------------------------------------------------------

func TestParseUnitsStrategies(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected int
		want     []string
		strategy string
	}{
		{
			name:     "plain json array",
			content:  `["a.", "b."]`,
			expected: 2,
			want:     []string{"a.", "b."},
			strategy: "json",
		},
		{
			name:     "fenced json with chatter",
			content:  "Sure!\n```json\n[\"uno\", \"dos\"]\n```",
			expected: 2,
			want:     []string{"uno", "dos"},
			strategy: "json",
		},
		{
			name:     "translated_text object with string",
			content:  `{"translated_text": "one\ntwo"}`,
			expected: 2,
			want:     []string{"one", "two"},
			strategy: "json",
		},
		{
			name:     "translations object with array",
			content:  `{"translations": ["x", "y", "z"]}`,
			expected: 3,
			want:     []string{"x", "y", "z"},
			strategy: "json",
		},
		{
			name:     "python list literal",
			content:  `['it\'s', "fine", 'ok']`,
			expected: 3,
			want:     []string{"it's", "fine", "ok"},
			strategy: "list-literal",
		},
		{
			name:     "numbered lines",
			content:  "1. first\n2) second\n- third",
			expected: 3,
			want:     []string{"first", "second", "third"},
			strategy: "lines",
		},
		{
			name:     "numbering kept when not every line is numbered",
			content:  "1. Introduction\nThe text begins here.",
			expected: 2,
			want:     []string{"1. Introduction", "The text begins here."},
			strategy: "lines",
		},
		{
			name:     "single numbered heading kept",
			content:  "2. Chapter two",
			expected: 1,
			want:     []string{"2. Chapter two"},
			strategy: "lines",
		},
		{
			name:     "whole response",
			content:  "  just one translation  ",
			expected: 3,
			want:     []string{"just one translation"},
			strategy: "whole",
		},
		{
			name:     "br tags become newlines",
			content:  `["a</br>b", "c<br/>d"]`,
			expected: 2,
			want:     []string{"a\nb", "c\nd"},
			strategy: "json",
		},
	}

	for _, tc := range tests {
		got, strategy := ParseUnitsWith(tc.content, tc.expected)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: ParseUnits() = %q, want %q", tc.name, got, tc.want)
		}
		if strategy != tc.strategy {
			t.Fatalf("%s: strategy = %q, want %q", tc.name, strategy, tc.strategy)
		}
	}
}

func TestParseUnitsBlank(t *testing.T) {
	if got := ParseUnits("   \n ", 2); got != nil {
		t.Fatalf("ParseUnits(blank) = %q, want nil", got)
	}
}

// ---------------------------------------------------------------------------
// BuildPrompt
// ---------------------------------------------------------------------------

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt([]string{"Hello.", "Bye."}, "ru")
	if !strings.Contains(p.System, "Russian") || strings.Contains(p.System, "{{targetLang}}") {
		t.Fatalf("system prompt not resolved: %q", p.System)
	}
	if !strings.Contains(p.User, "exactly 2 translated strings") {
		t.Fatalf("user prompt does not state the count: %q", p.User)
	}
	start := strings.Index(p.User, "[")
	end := strings.LastIndex(p.User, "]")
	var sent []string
	if err := json.Unmarshal([]byte(p.User[start:end+1]), &sent); err != nil {
		t.Fatalf("user prompt payload is not JSON: %v", err)
	}
	if !reflect.DeepEqual(sent, []string{"Hello.", "Bye."}) {
		t.Fatalf("payload = %q", sent)
	}
}

func TestBuildPromptDefaultsLanguage(t *testing.T) {
	p := BuildPrompt([]string{"x"}, "")
	if !strings.Contains(p.User, "into English") {
		t.Fatalf("expected English default, got %q", p.User)
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestDefaultRegistryResolution(t *testing.T) {
	r := NewDefaultRegistry(nil, nil)
	tests := []struct {
		model   string
		backend string
	}{
		{"gpt-4o", BackendOpenAI},
		{"text-davinci-003", BackendOpenAI},
		{"o3-mini", BackendOpenAI},
		{"Claude-3-5-Sonnet", BackendAnthropic},
		{"gemini-1.5-pro", BackendGemini},
	}
	for _, tc := range tests {
		got, err := r.Backend(tc.model)
		if err != nil || got != tc.backend {
			t.Fatalf("Backend(%q) = (%q, %v), want %q", tc.model, got, err, tc.backend)
		}
		tr, err := r.Resolve(tc.model)
		if err != nil || tr == nil {
			t.Fatalf("Resolve(%q) = (%v, %v)", tc.model, tr, err)
		}
	}

	if _, err := r.Resolve("llama-3"); !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("Resolve(llama-3) error = %v, want ErrUnsupportedModel", err)
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	r := NewRegistry()
	stub := func() Translator { return TranslatorFunc(nil) }
	r.Register("generic", []string{"gpt"}, stub)
	r.Register("special", []string{"gpt-4o-mini"}, stub)

	if got, _ := r.Backend("gpt-4o-mini-2024"); got != "special" {
		t.Fatalf("Backend() = %q, want special", got)
	}
	if got, _ := r.Backend("gpt-3.5"); got != "generic" {
		t.Fatalf("Backend() = %q, want generic", got)
	}
}

func TestRegistryResolveReturnsFreshInstances(t *testing.T) {
	r := NewDefaultRegistry(nil, nil)
	a, _ := r.Resolve("gpt-4")
	b, _ := r.Resolve("gpt-4")
	if a.(*Client) == b.(*Client) {
		t.Fatal("Resolve() returned the same client twice")
	}
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

func TestClientOpenAIFormat(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[\"hola\",\"adiós\"]"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Provider{ID: BackendOpenAI, Name: "OpenAI", BaseURL: srv.URL + "/v1", Temperature: 0.3})
	units, err := c.Translate(context.Background(), Request{
		Prompt:      Prompt{System: "sys", User: "usr"},
		Model:       "gpt-4o",
		Credentials: "sk-test",
		Expected:    2,
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !reflect.DeepEqual(units, []string{"hola", "adiós"}) {
		t.Fatalf("units = %q", units)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Fatalf("model = %v", gotBody["model"])
	}
}

func TestClientAnthropicFormat(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"translated_text\": \"eins\\nzwei\"}"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Provider{ID: BackendAnthropic, Name: "Anthropic", BaseURL: srv.URL, APIKey: "fallback-key"})
	units, err := c.Translate(context.Background(), Request{Model: "claude-3", Expected: 2})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !reflect.DeepEqual(units, []string{"eins", "zwei"}) {
		t.Fatalf("units = %q", units)
	}
	if gotKey != "fallback-key" || gotVersion != "2023-06-01" || gotPath != "/messages" {
		t.Fatalf("key=%q version=%q path=%q", gotKey, gotVersion, gotPath)
	}
}

func TestClientGeminiFormat(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[\"un\","},{"text":"\"deux\"]"}]}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Provider{ID: BackendGemini, Name: "Gemini", BaseURL: srv.URL})
	units, err := c.Translate(context.Background(), Request{Model: "gemini-1.5-flash", Credentials: "g-key", Expected: 2})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !reflect.DeepEqual(units, []string{"un", "deux"}) {
		t.Fatalf("units = %q", units)
	}
	if gotKey != "g-key" || gotPath != "/v1beta/models/gemini-1.5-flash:generateContent" {
		t.Fatalf("key=%q path=%q", gotKey, gotPath)
	}
}

func TestClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"2s"}]}}`))
	}))
	defer srv.Close()

	c := NewClient(Provider{ID: BackendOpenAI, Name: "OpenAI", BaseURL: srv.URL})
	_, err := c.Translate(context.Background(), Request{Model: "gpt-4", Expected: 1})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want *RateLimitError", err)
	}
	if rle.Delay != 7*time.Second {
		t.Fatalf("Delay = %v, want 7s", rle.Delay)
	}
	if !c.rl.isPaused() {
		t.Fatal("rate limit gate should be paused after a 429")
	}

	// A cancelled context must not wait out the pause.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Translate(ctx, Request{Model: "gpt-4", Expected: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("paused Translate error = %v, want context.Canceled", err)
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Provider{ID: BackendOpenAI, Name: "OpenAI", BaseURL: srv.URL})
	if _, err := c.Translate(context.Background(), Request{Model: "gpt-4"}); err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("error = %v, want status 500", err)
	}
}

func TestExtractResponseTextErrors(t *testing.T) {
	if _, err := extractResponseText([]byte(`{"error":{"message":"bad key"}}`)); err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("error = %v", err)
	}
	if _, err := extractResponseText([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := extractResponseText([]byte(`{"unknown":1}`)); err == nil {
		t.Fatal("expected error for unknown shape")
	}
}

func TestParseRetryDelayDefault(t *testing.T) {
	if got := parseRetryDelay([]byte(`garbage`)); got != 65*time.Second {
		t.Fatalf("parseRetryDelay() = %v, want 65s", got)
	}
}

// ---------------------------------------------------------------------------
// BatchTranslator
// ---------------------------------------------------------------------------

func testBatch(units ...string) batch.Batch {
	return batch.Batch{Index: 2, Total: 4, Units: units}
}

func TestTranslateBatchSuccess(t *testing.T) {
	var gotReq Request
	bt := BatchTranslator{
		Translator: TranslatorFunc(func(ctx context.Context, req Request) ([]string, error) {
			gotReq = req
			return []string{"a.", "b."}, nil
		}),
		Backoff: time.Millisecond,
	}
	res := bt.TranslateBatch(context.Background(), testBatch("A.", "B."), Job{Model: "gpt-4", Credentials: "k", TargetLang: "fr"})
	if res.Status != StatusOK || res.Text != "a.\nb." || res.Attempts != 1 || res.Index != 2 {
		t.Fatalf("result = %+v", res)
	}
	if gotReq.Expected != 2 || gotReq.Model != "gpt-4" || gotReq.Credentials != "k" {
		t.Fatalf("request = %+v", gotReq)
	}
}

func TestTranslateBatchRetriesThenSucceeds(t *testing.T) {
	var calls int32
	var retries []int
	bt := BatchTranslator{
		Translator: TranslatorFunc(func(ctx context.Context, req Request) ([]string, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("backend down")
			}
			return []string{"ok"}, nil
		}),
		Backoff: time.Millisecond,
		OnRetry: func(index, next int, err error) { retries = append(retries, next) },
		OnFailed: func(index int, err error) {
			t.Fatalf("OnFailed called for a batch that succeeded")
		},
	}
	res := bt.TranslateBatch(context.Background(), testBatch("x"), Job{})
	if res.Status != StatusOK || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(retries, []int{2, 3}) {
		t.Fatalf("retries = %v, want [2 3]", retries)
	}
}

func TestTranslateBatchExhaustsAttempts(t *testing.T) {
	var calls int32
	var failed int32
	bt := BatchTranslator{
		Translator: TranslatorFunc(func(ctx context.Context, req Request) ([]string, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("nope")
		}),
		Backoff:  time.Millisecond,
		OnFailed: func(index int, err error) { atomic.AddInt32(&failed, 1) },
	}
	res := bt.TranslateBatch(context.Background(), testBatch("A.", "B."), Job{})
	if res.Status != StatusFailed || res.Text != "<failed>A.\nB.</failed>" || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	if calls != 3 || failed != 1 {
		t.Fatalf("calls=%d failed=%d, want 3 and 1", calls, failed)
	}
	if !HasFailures(res.Text) {
		t.Fatal("HasFailures() = false for placeholder")
	}
}

func TestTranslateBatchEmptyResultIsRetried(t *testing.T) {
	var calls int32
	bt := BatchTranslator{
		Translator: TranslatorFunc(func(ctx context.Context, req Request) ([]string, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}),
		Attempts: 2,
		Backoff:  time.Millisecond,
	}
	res := bt.TranslateBatch(context.Background(), testBatch("x"), Job{})
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrEmptyResponse) || calls != 2 {
		t.Fatalf("result = %+v calls=%d", res, calls)
	}
}

func TestTranslateBatchCountMismatchIsBestEffort(t *testing.T) {
	bt := BatchTranslator{
		Translator: TranslatorFunc(func(ctx context.Context, req Request) ([]string, error) {
			return []string{"merged"}, nil
		}),
	}
	res := bt.TranslateBatch(context.Background(), testBatch("a", "b", "c"), Job{})
	if res.Status != StatusOK || res.Text != "merged" {
		t.Fatalf("result = %+v", res)
	}
}

func TestTranslateBatchCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bt := BatchTranslator{
		Translator: TranslatorFunc(func(ctx context.Context, req Request) ([]string, error) {
			return nil, errors.New("fail")
		}),
		Backoff: time.Hour,
		OnRetry: func(index, next int, err error) { cancel() },
		OnFailed: func(index int, err error) {
			t.Errorf("OnFailed must not fire for an abandoned batch")
		},
	}
	done := make(chan Result, 1)
	go func() { done <- bt.TranslateBatch(ctx, testBatch("x"), Job{}) }()

	select {
	case res := <-done:
		if !errors.Is(res.Err, context.Canceled) || res.Attempts != 1 {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("TranslateBatch did not return after cancellation")
	}
}

func TestBackoffForRateLimit(t *testing.T) {
	bt := BatchTranslator{Backoff: time.Second}
	if got := bt.backoffFor(errors.New("x")); got != time.Second {
		t.Fatalf("backoffFor(plain) = %v", got)
	}
	if got := bt.backoffFor(&RateLimitError{Delay: 30 * time.Second}); got != 30*time.Second {
		t.Fatalf("backoffFor(429) = %v", got)
	}
	if got := (&BatchTranslator{}).backoffFor(errors.New("x")); got != DefaultBackoff {
		t.Fatalf("default backoff = %v", got)
	}
}
