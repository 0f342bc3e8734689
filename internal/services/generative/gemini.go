package generative

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"doctranslate/internal/metrics"
	"doctranslate/internal/services"
)

// GeminiConfig captures the Gemini API settings.
type GeminiConfig struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
}

// Gemini generates text and images through the official genai SDK. The SDK
// client is created on first use so a missing key only fails the calls that
// need it.
type Gemini struct {
	cfg GeminiConfig

	mu     sync.Mutex
	client *genai.Client
}

// NewGemini constructs the provider.
func NewGemini(cfg GeminiConfig) *Gemini {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	return &Gemini{cfg: cfg}
}

// Name identifies the provider in logs.
func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if g.cfg.APIKey == "" {
		return nil, services.Wrap(services.ErrConfiguration, "gemini", "connect", "api key required", nil)
	}
	timeout := defaultHTTPTimeout
	if g.cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(g.cfg.TimeoutSeconds) * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     g.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL: g.cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "gemini", "connect", "", err)
	}
	g.client = client
	return client, nil
}

// GenerateText runs GenerateContent and concatenates the text parts of the
// first candidate.
func (g *Gemini) GenerateText(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := g.generateText(ctx, req)
	metrics.ObserveExternalCall("gemini", "generate_content", time.Since(start), err == nil)
	return text, err
}

func (g *Gemini) generateText(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Prompt) == "" {
		return "", services.Wrap(services.ErrValidation, "gemini", "generate text", "model and prompt required", nil)
	}
	client, err := g.sdk(ctx)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: strings.TrimSpace(req.Prompt)}},
	}}
	cfg := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if v, ok := floatParam(req.Parameters, "temperature"); ok {
		temp := float32(v)
		cfg.Temperature = &temp
	}
	if v, ok := intParam(req.Parameters, "max_tokens"); ok {
		cfg.MaxOutputTokens = int32(v)
	}
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "gemini", "generate text", "", err)
	}
	var b strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", services.Wrap(services.ErrExternalTool, "gemini", "generate text", "empty content", nil)
	}
	return b.String(), nil
}

// GenerateImage runs GenerateImages and returns the first image.
func (g *Gemini) GenerateImage(ctx context.Context, req Request) (Image, error) {
	start := time.Now()
	img, err := g.generateImage(ctx, req)
	metrics.ObserveExternalCall("gemini", "generate_images", time.Since(start), err == nil)
	return img, err
}

func (g *Gemini) generateImage(ctx context.Context, req Request) (Image, error) {
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Prompt) == "" {
		return Image{}, services.Wrap(services.ErrValidation, "gemini", "generate image", "model and prompt required", nil)
	}
	client, err := g.sdk(ctx)
	if err != nil {
		return Image{}, err
	}
	resp, err := client.Models.GenerateImages(ctx, req.Model, strings.TrimSpace(req.Prompt), &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return Image{}, services.Wrap(services.ErrTransient, "gemini", "generate image", "", err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return Image{}, services.Wrap(services.ErrExternalTool, "gemini", "generate image", "no image returned", nil)
	}
	generated := resp.GeneratedImages[0].Image
	mimeType := generated.MIMEType
	if mimeType == "" {
		mimeType = http.DetectContentType(generated.ImageBytes)
	}
	return Image{Data: generated.ImageBytes, MIMEType: mimeType}, nil
}
