package readable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
	"doctranslate/internal/services/generative"
)

// Generation kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// generateRetry covers provider calls that fail after the client's own
// HTTP retries.
var generateRetry = engine.RetryPolicy{
	MaxAttempts: 3,
	Interval:    2 * time.Second,
	BackoffRate: 2,
}

// Generation is the state document of the generate pipeline. Context is
// carried through untouched so callers running generate as a sub-workflow
// get their own state back.
type Generation struct {
	JobID      string         `json:"jobId"`
	ItemID     string         `json:"itemId"`
	Owner      string         `json:"owner"`
	Kind       string         `json:"kind"`
	ModelID    string         `json:"modelId"`
	Prompt     string         `json:"prompt"`
	System     string         `json:"system,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	Context json.RawMessage `json:"context,omitempty"`

	Routed   bool                `json:"routed"`
	Status   jobstore.ItemStatus `json:"status,omitempty"`
	Provider string              `json:"provider,omitempty"`
	Text     string              `json:"text,omitempty"`
	ImageKey string              `json:"imageKey,omitempty"`
}

// Unrecognised reports whether the model matched no provider.
func (g Generation) Unrecognised() bool {
	return g.Status == jobstore.ItemFailedUnrecognised
}

func (r *Readable) generatePipeline() *engine.Pipeline {
	return &engine.Pipeline{
		Name: PipelineGenerate,
		Root: engine.Sequence(
			engine.TaskOf("route", r.route),
			engine.Choice("routed", nil,
				engine.When(engine.FieldEquals("routed", true),
					engine.Retry(engine.TaskOf("invoke", r.invoke), generateRetry)),
			),
		),
		Timeout: r.cfg.ReadableTimeout(),
	}
}

// route picks the provider for the model id. Unknown vendors end the
// pipeline with failed_unrecognisedModel instead of an error.
func (r *Readable) route(ctx context.Context, g Generation) (Generation, error) {
	if g.Kind != KindText && g.Kind != KindImage {
		return g, services.Wrap(services.ErrValidation, r.Name(), "route", "unknown generation kind "+g.Kind, nil)
	}
	provider, ok := r.router.Resolve(g.ModelID)
	if !ok {
		logging.WarnWithContext(logging.WithContext(ctx, r.logger), "unrecognised generative model", "model_unrecognised",
			logging.String("model_id", g.ModelID),
			logging.String("item_id", g.ItemID),
			logging.String(logging.FieldErrorHint, "point the readable model at a supported vendor"),
		)
		g.Routed = false
		g.Status = jobstore.ItemFailedUnrecognised
		return g, nil
	}
	g.Routed = true
	g.Provider = provider.Name()
	return g, nil
}

func (r *Readable) invoke(ctx context.Context, g Generation) (Generation, error) {
	provider, ok := r.router.Resolve(g.ModelID)
	if !ok {
		return g, services.Wrap(services.ErrConfiguration, r.Name(), "invoke", "model "+g.ModelID+" lost its provider", generative.ErrUnrecognisedModel)
	}
	req := generative.Request{Model: g.ModelID, Prompt: g.Prompt, System: g.System, Parameters: g.Parameters}
	logger := logging.WithContext(ctx, r.logger)
	switch g.Kind {
	case KindText:
		text, err := provider.GenerateText(ctx, req)
		if err != nil {
			return g, err
		}
		g.Text = generative.Clean(text)
		logger.Info("text generated",
			logging.String("item_id", g.ItemID),
			logging.String("provider", provider.Name()),
			logging.Int("chars", len(g.Text)),
		)
	case KindImage:
		img, err := provider.GenerateImage(ctx, req)
		if err != nil {
			return g, err
		}
		key, err := r.storeImage(ctx, g, img)
		if err != nil {
			return g, err
		}
		g.ImageKey = key
		logger.Info("image generated",
			logging.String("item_id", g.ItemID),
			logging.String("provider", provider.Name()),
			logging.String("key", key),
		)
	}
	return g, nil
}

// storeImage writes img under the item's readable prefix. The file name is
// derived from the content so retries overwrite the same object.
func (r *Readable) storeImage(ctx context.Context, g Generation, img generative.Image) (string, error) {
	sum := sha256.Sum256(img.Data)
	key := keyparse.ReadableKey(g.Owner, g.JobID, g.ItemID, hex.EncodeToString(sum[:8])+imageExtension(img.MIMEType))
	if _, err := objectstore.PutBytes(ctx, r.objects, key, img.Data, img.MIMEType); err != nil {
		return "", services.Wrap(services.ErrTransient, r.Name(), "store image", key, err)
	}
	return key, nil
}

func imageExtension(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
