package readable

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
)

// ItemInput starts the readable pipeline for one item.
type ItemInput struct {
	JobID  string `json:"jobId"`
	ItemID string `json:"itemId"`
}

// ItemResult is the output of the readable pipeline.
type ItemResult struct {
	JobID       string              `json:"jobId"`
	ItemID      string              `json:"itemId"`
	Status      jobstore.ItemStatus `json:"status,omitempty"`
	Output      string              `json:"output,omitempty"`
	ImageItemID string              `json:"imageItemId,omitempty"`
	Skipped     bool                `json:"skipped,omitempty"`
}

// itemState flows through the readable pipeline. It rides in the Context
// field of Generation while a generate sub-workflow runs.
type itemState struct {
	JobID   string            `json:"jobId"`
	ItemID  string            `json:"itemId"`
	Owner   string            `json:"owner"`
	Type    jobstore.ItemType `json:"type"`
	Order   int               `json:"order"`
	Input   string            `json:"input,omitempty"`
	Claimed bool              `json:"claimed"`

	ModelID string               `json:"modelId,omitempty"`
	Text    *jobstore.ModelStage `json:"text,omitempty"`
	Image   *jobstore.ModelStage `json:"image,omitempty"`

	Status     jobstore.ItemStatus `json:"status,omitempty"`
	TextOutput string              `json:"textOutput,omitempty"`
	ImageKey   string              `json:"imageKey,omitempty"`
}

// ImageItemID returns the id of the image item generated from a text item.
func ImageItemID(jobID, parentID string) string {
	return uuid.NewSHA1(itemNamespace, []byte(jobID+"/"+parentID+"/image")).String()
}

func (r *Readable) itemPipeline() *engine.Pipeline {
	generateStages := engine.Sequence(
		engine.TaskOf("load-model", r.loadModel),
		engine.Choice("text-stage", nil,
			engine.When(runs(func(st itemState) bool { return st.Text != nil }),
				engine.Sequence(
					engine.TaskOf("text-request", textRequest),
					engine.Subflow(PipelineGenerate),
					engine.TaskOf("text-result", textResult),
				)),
		),
		engine.Choice("image-stage", nil,
			engine.When(runs(func(st itemState) bool { return st.Image != nil }),
				engine.Sequence(
					engine.TaskOf("image-request", imageRequest),
					engine.Subflow(PipelineGenerate),
					engine.TaskOf("image-result", imageResult),
				)),
		),
		engine.TaskOf("persist", r.persist),
	)

	return &engine.Pipeline{
		Name: PipelineReadable,
		Root: engine.Sequence(
			engine.TaskOf("claim-item", r.claimItem),
			engine.Choice("claimed",
				engine.TaskOf("skip", skipItem),
				engine.When(engine.FieldEquals("claimed", true),
					engine.Catch(generateStages, engine.TaskOf("fail-item", r.failItem))),
			),
		),
		Timeout: r.cfg.ReadableTimeout(),
	}
}

// runs builds a predicate for a generation stage: the stage must be
// configured and no earlier stage may have ended the item.
func runs(configured func(itemState) bool) engine.Predicate {
	return func(_ context.Context, input json.RawMessage) (bool, error) {
		var st itemState
		if err := engine.Decode(input, &st); err != nil {
			return false, err
		}
		return st.Status == "" && configured(st), nil
	}
}

// claimItem moves an item from generate to processing. Only one execution
// wins; the others skip.
func (r *Readable) claimItem(ctx context.Context, in ItemInput) (itemState, error) {
	scope, err := r.store.Scope(ctx, in.JobID)
	if err != nil {
		return itemState{}, stage.StoreError(r.Name(), "claim item", err)
	}
	item, err := scope.Item(ctx, in.ItemID)
	if err != nil {
		return itemState{}, stage.StoreError(r.Name(), "claim item", err)
	}
	if item.Type == jobstore.ItemMetadata {
		return itemState{}, services.Wrap(services.ErrValidation, r.Name(), "claim item", "metadata items are not generated", nil)
	}
	st := itemState{
		JobID:   item.JobID,
		ItemID:  item.ItemID,
		Owner:   item.Owner,
		Type:    item.Type,
		Order:   item.Order,
		Input:   item.Input,
		ModelID: item.ModelID,
	}
	processing := jobstore.ItemProcessing
	if _, err := scope.UpdateItem(ctx, in.ItemID, jobstore.ItemUpdate{
		Status: &processing,
		Expect: []jobstore.ItemStatus{jobstore.ItemGenerate},
	}); err != nil {
		if errors.Is(err, jobstore.ErrConditionFailed) {
			logging.WithContext(ctx, r.logger).Info("item not awaiting generation; skipping",
				logging.String("item_id", in.ItemID),
				logging.String("status", string(item.Status)),
			)
			return st, nil
		}
		return st, stage.StoreError(r.Name(), "claim item", err)
	}
	st.Claimed = true
	return st, nil
}

func skipItem(_ context.Context, st itemState) (ItemResult, error) {
	return ItemResult{JobID: st.JobID, ItemID: st.ItemID, Skipped: true}, nil
}

// loadModel resolves the item's model, falling back to the default one.
// A stage whose model no provider serves fails the item before any
// provider is called.
func (r *Readable) loadModel(ctx context.Context, st itemState) (itemState, error) {
	var (
		model *jobstore.Model
		err   error
	)
	if st.ModelID != "" {
		model, err = r.store.Model(ctx, st.ModelID)
	} else {
		model, err = r.store.DefaultModel(ctx)
	}
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return st, services.Wrap(services.ErrValidation, r.Name(), "load model", "no readable model "+st.ModelID, err)
		}
		return st, stage.StoreError(r.Name(), "load model", err)
	}
	if model.Text == nil && model.Image == nil {
		return st, services.Wrap(services.ErrValidation, r.Name(), "load model", "model "+model.ID+" defines no stage", nil)
	}
	st.ModelID = model.ID
	st.Text, st.Image = model.Text, model.Image
	if unresolved := r.unresolvedStages(model); len(unresolved) > 0 {
		logging.WarnWithContext(logging.WithContext(ctx, r.logger), "readable model names an unknown vendor", "model_unrecognised",
			logging.String("model_id", model.ID),
			logging.String("stage_models", strings.Join(unresolved, ",")),
			logging.String(logging.FieldErrorHint, "point the readable model at a supported vendor"),
		)
		st.Status = jobstore.ItemFailedUnrecognised
	}
	return st, nil
}

func textRequest(_ context.Context, st itemState) (Generation, error) {
	ctxDoc, err := json.Marshal(st)
	if err != nil {
		return Generation{}, err
	}
	return Generation{
		JobID:      st.JobID,
		ItemID:     st.ItemID,
		Owner:      st.Owner,
		Kind:       KindText,
		ModelID:    st.Text.ModelID,
		Prompt:     joinPrompt(st.Text.Prompt, st.Input),
		System:     st.Text.PrePrompt,
		Parameters: st.Text.Parameters,
		Context:    ctxDoc,
	}, nil
}

func textResult(_ context.Context, g Generation) (itemState, error) {
	var st itemState
	if err := engine.Decode(g.Context, &st); err != nil {
		return st, err
	}
	if g.Unrecognised() {
		st.Status = g.Status
		return st, nil
	}
	st.TextOutput = g.Text
	return st, nil
}

// imageRequest builds the image prompt. Generated text replaces the
// configured pre-prompt and the item input when a text stage ran.
func imageRequest(_ context.Context, st itemState) (Generation, error) {
	ctxDoc, err := json.Marshal(st)
	if err != nil {
		return Generation{}, err
	}
	pre := st.TextOutput
	if st.Text == nil {
		pre = joinPrompt(st.Image.PrePrompt, st.Input)
	}
	return Generation{
		JobID:      st.JobID,
		ItemID:     st.ItemID,
		Owner:      st.Owner,
		Kind:       KindImage,
		ModelID:    st.Image.ModelID,
		Prompt:     joinPrompt(pre, st.Image.Prompt),
		Parameters: st.Image.Parameters,
		Context:    ctxDoc,
	}, nil
}

func imageResult(_ context.Context, g Generation) (itemState, error) {
	var st itemState
	if err := engine.Decode(g.Context, &st); err != nil {
		return st, err
	}
	if g.Unrecognised() {
		st.Status = g.Status
		return st, nil
	}
	st.ImageKey = g.ImageKey
	return st, nil
}

func joinPrompt(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "\n\n")
}

// persist writes the generated output. An image generated for a text item
// becomes a child image item pointing back at it.
func (r *Readable) persist(ctx context.Context, st itemState) (ItemResult, error) {
	scope, err := r.store.Scope(ctx, st.JobID)
	if err != nil {
		return ItemResult{}, stage.StoreError(r.Name(), "persist", err)
	}
	result := ItemResult{JobID: st.JobID, ItemID: st.ItemID}
	if st.Status == jobstore.ItemFailedUnrecognised {
		status := st.Status
		if _, err := scope.UpdateItem(ctx, st.ItemID, jobstore.ItemUpdate{Status: &status, ModelID: &st.ModelID}); err != nil {
			return result, stage.StoreError(r.Name(), "persist", err)
		}
		result.Status = status
		return result, nil
	}

	output := st.TextOutput
	if st.Type == jobstore.ItemImage {
		output = st.ImageKey
	} else if st.ImageKey != "" {
		result.ImageItemID = ImageItemID(st.JobID, st.ItemID)
		_, created, err := scope.CreateItem(ctx, jobstore.NewItem{
			JobID:   st.JobID,
			ItemID:  result.ImageItemID,
			Type:    jobstore.ItemImage,
			Order:   st.Order,
			Parent:  st.ItemID,
			Output:  st.ImageKey,
			ModelID: st.ModelID,
			Status:  jobstore.ItemCompleted,
			Owner:   st.Owner,
		})
		if err != nil {
			return result, stage.StoreError(r.Name(), "persist image item", err)
		}
		if !created {
			// regeneration: the child keeps its id and takes the new image
			completed := jobstore.ItemCompleted
			if _, err := scope.UpdateItem(ctx, result.ImageItemID, jobstore.ItemUpdate{
				Status:  &completed,
				Output:  &st.ImageKey,
				ModelID: &st.ModelID,
			}); err != nil {
				return result, stage.StoreError(r.Name(), "refresh image item", err)
			}
		}
		if output == "" {
			output = st.Input
		}
	}
	completed := jobstore.ItemCompleted
	if _, err := scope.UpdateItem(ctx, st.ItemID, jobstore.ItemUpdate{
		Status:  &completed,
		Output:  &output,
		ModelID: &st.ModelID,
	}); err != nil {
		return result, stage.StoreError(r.Name(), "persist", err)
	}
	logging.WithContext(ctx, r.logger).Info("item generated",
		logging.String("item_id", st.ItemID),
		logging.String("model_id", st.ModelID),
		logging.Bool("image", st.ImageKey != ""),
	)
	result.Status = completed
	result.Output = output
	return result, nil
}

// failItem marks the item failed and re-raises so the execution fails.
func (r *Readable) failItem(ctx context.Context, caught engine.Caught) (ItemResult, error) {
	var st itemState
	if err := engine.Decode(caught.Input, &st); err != nil {
		return ItemResult{}, services.Wrap(services.ErrValidation, r.Name(), "fail item", "", err)
	}
	logging.WarnWithContext(logging.WithContext(ctx, r.logger), "readable generation failed", "generation_failed",
		logging.String("item_id", st.ItemID),
		logging.String("error", caught.Error),
		logging.String(logging.FieldErrorHint, "check the generative provider and mark the item for generation again"),
	)
	scope, err := r.store.Scope(ctx, st.JobID)
	if err != nil {
		return ItemResult{}, stage.StoreError(r.Name(), "fail item", err)
	}
	if _, err := scope.SetItemStatus(ctx, st.ItemID, jobstore.ItemFailed); err != nil {
		return ItemResult{}, stage.StoreError(r.Name(), "fail item", err)
	}
	return ItemResult{}, services.Wrap(services.ErrExternalTool, r.Name(), "generate", "item "+st.ItemID+": "+caught.Error, nil)
}
