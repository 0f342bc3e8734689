// Package tagging labels every object of a job with its PII classification.
package tagging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
)

// PipelineTag is the pipeline name registered by the stage.
const PipelineTag = "tag"

// TagKey is the object tag carrying the classification result.
const TagKey = "PII"

// Tagger owns the tag pipeline.
type Tagger struct {
	store   *jobstore.Store
	objects objectstore.Store
	logger  *slog.Logger
}

// New constructs the stage.
func New(store *jobstore.Store, objects objectstore.Store, logger *slog.Logger) *Tagger {
	return &Tagger{store: store, objects: objects, logger: logging.NewComponentLogger(logger, "tagging")}
}

// Name implements stage.Stage.
func (t *Tagger) Name() string { return "tagging" }

// Pipelines implements stage.Stage.
func (t *Tagger) Pipelines() []*engine.Pipeline {
	return []*engine.Pipeline{{
		Name: PipelineTag,
		Root: engine.Sequence(
			engine.TaskOf("list-objects", t.listObjects),
			engine.Map("objects", engine.ItemsOf(objectItems), engine.TaskOf("put-tag", t.putTag), 0).
				WithCollect(t.summarize),
		),
	}}
}

// HealthCheck implements stage.Stage.
func (t *Tagger) HealthCheck(ctx context.Context) stage.Health {
	if _, err := t.objects.List(ctx, keyparse.Scope+"/"); err != nil {
		return stage.Unhealthy(t.Name(), err.Error())
	}
	return stage.Healthy(t.Name())
}

// Input is the classification result the pipeline applies.
type Input struct {
	JobID  string `json:"jobId"`
	Result string `json:"result"`
}

type listing struct {
	Input
	Keys []string `json:"keys"`
}

type object struct {
	Key    string `json:"key"`
	Result string `json:"result"`
}

// Summary is the output of the tag pipeline.
type Summary struct {
	JobID  string `json:"jobId"`
	Result string `json:"result"`
	Tagged int    `json:"tagged"`
	Failed int    `json:"failed"`
}

func (t *Tagger) listObjects(ctx context.Context, in Input) (listing, error) {
	if in.Result != string(jobstore.PIITrue) && in.Result != string(jobstore.PIIFalse) {
		return listing{}, services.Wrap(services.ErrValidation, t.Name(), "list objects", "unexpected classification result "+in.Result, nil)
	}
	_, job, err := stage.OpenJob(ctx, t.store, t.Name(), in.JobID)
	if err != nil {
		return listing{}, err
	}
	infos, err := t.objects.List(ctx, keyparse.JobPrefix(job.Identity, job.ID))
	if err != nil {
		return listing{}, services.Wrap(services.ErrTransient, t.Name(), "list objects", "", err)
	}
	out := listing{Input: in, Keys: make([]string, 0, len(infos))}
	for _, info := range infos {
		out.Keys = append(out.Keys, info.Key)
	}
	return out, nil
}

func objectItems(_ context.Context, l listing) ([]object, error) {
	items := make([]object, 0, len(l.Keys))
	for _, key := range l.Keys {
		items = append(items, object{Key: key, Result: l.Result})
	}
	return items, nil
}

// putTag sets the PII tag, keeping any other tags on the object. Objects
// deleted since the listing are skipped.
func (t *Tagger) putTag(ctx context.Context, obj object) (object, error) {
	tags, err := t.objects.Tags(ctx, obj.Key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return obj, nil
	}
	if err != nil {
		return obj, services.Wrap(services.ErrTransient, t.Name(), "read tags", obj.Key, err)
	}
	if tags == nil {
		tags = map[string]string{}
	}
	tags[TagKey] = obj.Result
	if err := t.objects.PutTags(ctx, obj.Key, tags); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return obj, services.Wrap(services.ErrTransient, t.Name(), "put tags", obj.Key, err)
	}
	return obj, nil
}

func (t *Tagger) summarize(ctx context.Context, input json.RawMessage, results []engine.BranchResult) (json.RawMessage, error) {
	var l listing
	if err := engine.Decode(input, &l); err != nil {
		return nil, err
	}
	summary := Summary{JobID: l.JobID, Result: l.Result}
	logger := logging.WithContext(ctx, t.logger)
	for i, res := range results {
		if res.Failed() {
			summary.Failed++
			logger.Warn("object tagging failed", logging.String("key", l.Keys[i]), logging.String("error", res.Error))
			continue
		}
		summary.Tagged++
	}
	logger.Info("objects tagged",
		logging.String("result", l.Result),
		logging.Int("tagged", summary.Tagged),
		logging.Int("failed", summary.Failed),
	)
	return json.Marshal(summary)
}
