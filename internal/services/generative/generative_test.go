package generative

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"doctranslate/internal/services"
)

func TestRouterLongestPrefix(t *testing.T) {
	router := NewRouter()
	short, long := NewLocal(), NewOpenAI(OpenAIConfig{})
	router.Handle("gpt-", short)
	router.Handle("gpt-4o-", long)

	if p, ok := router.Resolve("gpt-4o-mini"); !ok || p != Provider(long) {
		t.Fatalf("expected longest prefix to win, got %v", p)
	}
	if p, ok := router.Resolve("gpt-3.5-turbo"); !ok || p != Provider(short) {
		t.Fatalf("expected short prefix, got %v", p)
	}
	if _, ok := router.Resolve("claude-3"); ok {
		t.Fatal("unknown family resolved")
	}
	if _, ok := router.Resolve(""); ok {
		t.Fatal("empty model resolved")
	}
}

func TestConfiguredRouterFamilies(t *testing.T) {
	router := NewConfiguredRouter(nil)
	tests := map[string]string{
		"gpt-4o":               "openai",
		"dall-e-3":             "openai",
		"gemini-2.0-flash":     "gemini",
		"imagen-3.0-generate":  "gemini",
		"local-echo":           "local",
	}
	for model, want := range tests {
		p, ok := router.Resolve(model)
		if !ok || p.Name() != want {
			t.Fatalf("%s resolved to %v, want %s", model, p, want)
		}
	}
	if _, ok := router.Resolve("anthropic.claude-v2"); ok {
		t.Fatal("unexpected provider for unknown vendor")
	}
}

func TestClean(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Assistant: Hello there. ", "Hello there."},
		{"  AI:  assistant: nested", "nested"},
		{"```\nplain block\n```", "plain block"},
		{"```text\nfenced\n```", "fenced"},
		{"No label: keeps colon", "No label: keeps colon"},
	}
	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.want {
			t.Fatalf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func chatResponse(content string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": content}},
		},
	}
}

func TestOpenAIGenerateText(t *testing.T) {
	var got chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(chatResponse("Assistant: simplified text"))
	}))
	defer server.Close()

	client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL})
	text, err := client.GenerateText(context.Background(), Request{
		Model:      "gpt-4o",
		Prompt:     "Simplify this",
		System:     "You simplify text.",
		Parameters: map[string]any{"temperature": 0.2, "max_tokens": float64(300)},
	})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}
	if text != "Assistant: simplified text" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.MaxTokens != 300 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Fatalf("temperature not forwarded: %+v", got.Temperature)
	}
}

func TestOpenAIRetriesThrottling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse("ok"))
	}))
	defer server.Close()

	var delays []time.Duration
	client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL},
		WithRetryMaxAttempts(3),
		WithSleeper(func(d time.Duration) { delays = append(delays, d) }))
	text, err := client.GenerateText(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}
	if text != "ok" || len(delays) != 2 || delays[0] != 2*time.Second {
		t.Fatalf("text=%q delays=%v", text, delays)
	}
}

func TestOpenAIExhaustionIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL},
		WithRetryMaxAttempts(2), WithSleeper(func(time.Duration) {}))
	_, err := client.GenerateText(context.Background(), Request{Model: "gpt-4o", Prompt: "hi"})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestOpenAIBadRequestIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL},
		WithRetryMaxAttempts(5), WithSleeper(func(time.Duration) {}))
	_, err := client.GenerateText(context.Background(), Request{Model: "gpt-x", Prompt: "hi"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestOpenAIGenerateImage(t *testing.T) {
	png, err := NewLocal().GenerateImage(context.Background(), Request{Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("local image: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"b64_json": base64.StdEncoding.EncodeToString(png.Data)}},
		})
	}))
	defer server.Close()

	client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL})
	img, err := client.GenerateImage(context.Background(), Request{Model: "dall-e-3", Prompt: "a lighthouse"})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if img.MIMEType != "image/png" || len(img.Data) != len(png.Data) {
		t.Fatalf("unexpected image %s (%d bytes)", img.MIMEType, len(img.Data))
	}
}

func TestProvidersRequireCredentials(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}).GenerateText(context.Background(), Request{Model: "gpt-4o", Prompt: "x"}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("openai without key: %v", err)
	}
	if _, err := NewGemini(GeminiConfig{}).GenerateText(context.Background(), Request{Model: "gemini-2.0-flash", Prompt: "x"}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("gemini without key: %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	client := NewOpenAI(OpenAIConfig{}, WithRetryBackoff(time.Second, 5*time.Second))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := client.backoffDelay(i + 1); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i+1, got, w)
		}
	}
}
