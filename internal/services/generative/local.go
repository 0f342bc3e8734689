package generative

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	"doctranslate/internal/services"
)

// LocalPrefix routes model ids to the offline provider.
const LocalPrefix = "local-"

// Local is an offline provider for development and tests. Text generation
// echoes the prompt behind a role label; image generation renders a small
// PNG whose color is derived from the prompt.
type Local struct{}

// NewLocal returns the offline provider.
func NewLocal() *Local { return &Local{} }

// Name identifies the provider in logs.
func (*Local) Name() string { return "local" }

// GenerateText returns "Assistant: <prompt>".
func (*Local) GenerateText(_ context.Context, req Request) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", services.Wrap(services.ErrValidation, "local", "generate text", "prompt required", nil)
	}
	return "Assistant: " + prompt, nil
}

// GenerateImage renders a 16x16 PNG.
func (*Local) GenerateImage(_ context.Context, req Request) (Image, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Image{}, services.Wrap(services.ErrValidation, "local", "generate image", "prompt required", nil)
	}
	sum := sha256.Sum256([]byte(prompt))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("encode png: %w", err)
	}
	return Image{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}
