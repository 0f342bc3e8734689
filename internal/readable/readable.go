// Package readable implements the generative readable stage: parsing an
// uploaded document into items, and generating simplified text and
// illustrations for items a client marks for generation.
package readable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"doctranslate/internal/config"
	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services/generative"
	"doctranslate/internal/stage"
)

// Pipeline names registered by the stage.
const (
	PipelineParseDoc = "parsedoc"
	PipelineReadable = "readable"
	PipelineGenerate = "generate"
)

const (
	defaultParseConcurrency = 5
	healthTimeout           = 5 * time.Second
)

// Readable owns the readable pipelines.
type Readable struct {
	cfg     *config.Config
	store   *jobstore.Store
	objects objectstore.Store
	router  *generative.Router
	logger  *slog.Logger
}

// New constructs the stage with the providers configured in cfg.
func New(cfg *config.Config, store *jobstore.Store, objects objectstore.Store, logger *slog.Logger) *Readable {
	return NewWithRouter(cfg, store, objects, generative.NewConfiguredRouter(cfg), logger)
}

// NewWithRouter allows injecting the provider router (used in tests).
func NewWithRouter(cfg *config.Config, store *jobstore.Store, objects objectstore.Store, router *generative.Router, logger *slog.Logger) *Readable {
	return &Readable{
		cfg:     cfg,
		store:   store,
		objects: objects,
		router:  router,
		logger:  logging.NewComponentLogger(logger, "readable"),
	}
}

// Name implements stage.Stage.
func (r *Readable) Name() string { return "readable" }

// Pipelines implements stage.Stage.
func (r *Readable) Pipelines() []*engine.Pipeline {
	return []*engine.Pipeline{r.generatePipeline(), r.parsePipeline(), r.itemPipeline()}
}

// HealthCheck verifies a default model exists and every stage it defines
// routes to a provider.
func (r *Readable) HealthCheck(ctx context.Context) stage.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	model, err := r.store.DefaultModel(ctx)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return stage.Unhealthy(r.Name(), "no default readable model")
		}
		return stage.Unhealthy(r.Name(), err.Error())
	}
	if unresolved := r.unresolvedStages(model); len(unresolved) > 0 {
		return stage.Unhealthy(r.Name(), fmt.Sprintf("default model %s: no provider for %s (routes: %s)",
			model.ID, strings.Join(unresolved, ", "), strings.Join(r.router.Prefixes(), ", ")))
	}
	return stage.Healthy(r.Name())
}

// unresolvedStages lists the stage model ids of model no provider serves.
func (r *Readable) unresolvedStages(model *jobstore.Model) []string {
	var out []string
	for _, st := range []*jobstore.ModelStage{model.Text, model.Image} {
		if st == nil {
			continue
		}
		if _, ok := r.router.Resolve(st.ModelID); !ok {
			out = append(out, st.ModelID)
		}
	}
	return out
}

func (r *Readable) parseConcurrency() int {
	if r.cfg.Readable.ParseConcurrency > 0 {
		return r.cfg.Readable.ParseConcurrency
	}
	return defaultParseConcurrency
}
