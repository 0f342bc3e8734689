package generative

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"

	"doctranslate/internal/config"
)

// ErrUnrecognisedModel indicates a model id no provider family matches.
var ErrUnrecognisedModel = errors.New("unrecognised model")

// Request is one generation call.
type Request struct {
	Model      string
	Prompt     string
	System     string
	Parameters map[string]any
}

// Image is a generated image.
type Image struct {
	Data     []byte
	MIMEType string
}

// Provider generates text and images for one model family.
type Provider interface {
	Name() string
	GenerateText(ctx context.Context, req Request) (string, error)
	GenerateImage(ctx context.Context, req Request) (Image, error)
}

type route struct {
	prefix   string
	provider Provider
}

// Router resolves model ids to providers by longest matching prefix.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle routes model ids starting with prefix to provider.
func (r *Router) Handle(prefix string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix, provider: provider})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// Resolve returns the provider for model.
func (r *Router) Resolve(model string) (Provider, bool) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.provider, true
		}
	}
	return nil, false
}

// Prefixes lists the routed prefixes, longest first.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.prefix)
	}
	return out
}

// NewConfiguredRouter routes the OpenAI and Gemini model families plus the
// offline local- family.
func NewConfiguredRouter(cfg *config.Config) *Router {
	router := NewRouter()
	gen := config.Generative{}
	if cfg != nil {
		gen = cfg.Generative
	}
	openai := NewOpenAI(OpenAIConfig{
		APIKey:         gen.OpenAIAPIKey,
		BaseURL:        gen.OpenAIBaseURL,
		Referer:        gen.Referer,
		Title:          gen.Title,
		TimeoutSeconds: gen.TimeoutSeconds,
	}, WithRetryMaxAttempts(gen.RetryMaxAttempts))
	for _, prefix := range []string{"gpt-", "chatgpt-", "o1", "o3", "o4", "dall-e-"} {
		router.Handle(prefix, openai)
	}
	gemini := NewGemini(GeminiConfig{
		APIKey:         gen.GeminiAPIKey,
		BaseURL:        gen.GeminiBaseURL,
		TimeoutSeconds: gen.TimeoutSeconds,
	})
	for _, prefix := range []string{"gemini-", "imagen-"} {
		router.Handle(prefix, gemini)
	}
	router.Handle(LocalPrefix, NewLocal())
	return router
}

var roleLabel = regexp.MustCompile(`(?i)^\s*(assistant|ai|model|system|bot|answer|response)\s*:\s*`)

// Clean post-processes generated text: it unwraps a fenced block, strips
// leading role labels and trims surrounding whitespace.
func Clean(text string) string {
	text = stripCodeFenceBlock(text)
	for {
		stripped := roleLabel.ReplaceAllString(text, "")
		if stripped == text {
			break
		}
		text = stripped
	}
	return strings.TrimSpace(text)
}

func stripCodeFenceBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := trimmed[3:]
	if newline := strings.IndexByte(body, '\n'); newline >= 0 && !strings.ContainsAny(strings.TrimSpace(body[:newline]), " \t") {
		body = body[newline+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func intParam(params map[string]any, key string) (int, bool) {
	if f, ok := floatParam(params, key); ok {
		return int(f), true
	}
	return 0, false
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
