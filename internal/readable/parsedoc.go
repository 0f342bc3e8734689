package readable

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strconv"

	"github.com/google/uuid"

	"doctranslate/internal/document"
	"doctranslate/internal/engine"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/objectstore"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
)

// itemNamespace seeds deterministic item ids so a re-parse finds the items
// it created before.
var itemNamespace = uuid.MustParse("5b7e1c0a-2f94-4d36-8e1b-9c4a7d2f6e15")

// ParseInput starts the parsedoc pipeline for an uploaded document.
type ParseInput struct {
	JobID string `json:"jobId"`
	Key   string `json:"key"`
}

// ParseSummary is the output of the parsedoc pipeline.
type ParseSummary struct {
	JobID      string          `json:"jobId"`
	Key        string          `json:"key"`
	Format     document.Format `json:"format"`
	Paragraphs int             `json:"paragraphs"`
	Words      int             `json:"words"`
	Pages      int             `json:"pages,omitempty"`
	Created    int             `json:"created"`
	Failed     int             `json:"failed"`
	MetadataID string          `json:"metadataId,omitempty"`
}

type parseState struct {
	JobID       string          `json:"jobId"`
	Owner       string          `json:"owner"`
	Key         string          `json:"key"`
	ContentType string          `json:"contentType,omitempty"`
	Format      document.Format `json:"format,omitempty"`
	Paragraphs  []string        `json:"paragraphs,omitempty"`
	Words       int             `json:"words,omitempty"`
	Pages       int             `json:"pages,omitempty"`
}

type paragraphItem struct {
	JobID string `json:"jobId"`
	Owner string `json:"owner"`
	Order int    `json:"order"`
	Text  string `json:"text"`
}

// metadata is the input recorded on a job's metadata item.
type metadata struct {
	Name       string          `json:"name"`
	Key        string          `json:"key"`
	Format     document.Format `json:"format"`
	Paragraphs int             `json:"paragraphs"`
	Words      int             `json:"words"`
	Pages      int             `json:"pages,omitempty"`
}

// ItemID returns the deterministic id of the paragraph item at order.
func ItemID(jobID string, order int) string {
	return uuid.NewSHA1(itemNamespace, []byte(jobID+"/"+strconv.Itoa(order))).String()
}

// MetadataItemID returns the deterministic id of a job's metadata item.
func MetadataItemID(jobID string) string {
	return uuid.NewSHA1(itemNamespace, []byte(jobID+"/metadata")).String()
}

func (r *Readable) parsePipeline() *engine.Pipeline {
	paragraphs := engine.Map("paragraphs",
		engine.ItemsOf(paragraphItems),
		engine.TaskOf("create-item", r.createItem),
		r.parseConcurrency(),
	).WithCollect(collectParagraphs)

	return &engine.Pipeline{
		Name: PipelineParseDoc,
		Root: engine.Sequence(
			engine.TaskOf("mark-uploaded", r.markUploaded),
			engine.TaskOf("parse-document", r.parseDocument),
			paragraphs,
			engine.TaskOf("record-metadata", r.recordMetadata),
			engine.TaskOf("finalize", r.finalizeParse),
		),
		Timeout: r.cfg.ReadableTimeout(),
	}
}

// markUploaded records the uploaded document on the job and moves it to
// PROCESSING. A job already past either state keeps its status.
func (r *Readable) markUploaded(ctx context.Context, in ParseInput) (parseState, error) {
	scope, job, err := stage.OpenJob(ctx, r.store, r.Name(), in.JobID)
	if err != nil {
		return parseState{}, err
	}
	if job.Kind != jobstore.KindReadable {
		return parseState{}, services.Wrap(services.ErrValidation, r.Name(), "mark uploaded", "job "+job.ID+" is not a readable job", nil)
	}
	if in.Key == "" {
		in.Key = job.ContentKey
	}
	if in.Key == "" {
		return parseState{}, services.Wrap(services.ErrValidation, r.Name(), "mark uploaded", "no document key", nil)
	}
	if _, err := scope.MarkUploaded(ctx, in.Key, ""); err != nil && !errors.Is(err, jobstore.ErrConditionFailed) {
		return parseState{}, stage.StoreError(r.Name(), "mark uploaded", err)
	}
	if _, err := scope.SetStatus(ctx, jobstore.StatusProcessing, jobstore.StatusUploaded, jobstore.StatusProcessing); err != nil && !errors.Is(err, jobstore.ErrConditionFailed) {
		return parseState{}, stage.StoreError(r.Name(), "mark processing", err)
	}
	return parseState{JobID: job.ID, Owner: job.Identity, Key: in.Key, ContentType: job.ContentType}, nil
}

// parseDocument extracts the paragraphs of the uploaded document. PDFs are
// only measured; their text is not extracted.
func (r *Readable) parseDocument(ctx context.Context, st parseState) (parseState, error) {
	data, err := objectstore.ReadAll(ctx, r.objects, st.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return st, services.Wrap(services.ErrNotFound, r.Name(), "parse document", st.Key, err)
		}
		return st, services.Wrap(services.ErrTransient, r.Name(), "parse document", st.Key, err)
	}
	name := path.Base(st.Key)
	st.Format = document.Detect(name, st.ContentType, data)
	if st.Format == document.FormatPDF {
		pages, err := document.PageCount(data)
		if err != nil {
			return st, services.Wrap(services.ErrValidation, r.Name(), "parse document", st.Key, err)
		}
		st.Pages = pages
		return st, nil
	}
	parsed, err := document.Parse(name, st.ContentType, data)
	if err != nil {
		return st, services.Wrap(services.ErrValidation, r.Name(), "parse document", st.Key, err)
	}
	st.Paragraphs = parsed.Paragraphs
	st.Words = parsed.Words
	logging.WithContext(ctx, r.logger).Info("document parsed",
		logging.String("key", st.Key),
		logging.String("format", string(st.Format)),
		logging.Int("paragraphs", len(st.Paragraphs)),
		logging.Int("words", st.Words),
	)
	return st, nil
}

func paragraphItems(_ context.Context, st parseState) ([]paragraphItem, error) {
	items := make([]paragraphItem, 0, len(st.Paragraphs))
	for i, text := range st.Paragraphs {
		items = append(items, paragraphItem{JobID: st.JobID, Owner: st.Owner, Order: i + 1, Text: text})
	}
	return items, nil
}

// createItem records one paragraph. Items a previous run created are left
// as they are.
func (r *Readable) createItem(ctx context.Context, p paragraphItem) (paragraphItem, error) {
	scope, err := r.store.Scope(ctx, p.JobID)
	if err != nil {
		return p, stage.StoreError(r.Name(), "create item", err)
	}
	_, _, err = scope.CreateItem(ctx, jobstore.NewItem{
		JobID:  p.JobID,
		ItemID: ItemID(p.JobID, p.Order),
		Type:   jobstore.ItemText,
		Order:  p.Order,
		Input:  p.Text,
		Status: jobstore.ItemUpdated,
		Owner:  p.Owner,
	})
	return p, stage.StoreError(r.Name(), "create item", err)
}

func collectParagraphs(_ context.Context, input json.RawMessage, results []engine.BranchResult) (json.RawMessage, error) {
	var st parseState
	if err := engine.Decode(input, &st); err != nil {
		return nil, err
	}
	summary := ParseSummary{
		JobID:      st.JobID,
		Key:        st.Key,
		Format:     st.Format,
		Paragraphs: len(st.Paragraphs),
		Words:      st.Words,
		Pages:      st.Pages,
	}
	for _, res := range results {
		if res.Failed() {
			summary.Failed++
			continue
		}
		summary.Created++
	}
	return json.Marshal(summary)
}

// recordMetadata stores the document summary as the job's order-zero
// metadata item.
func (r *Readable) recordMetadata(ctx context.Context, summary ParseSummary) (ParseSummary, error) {
	scope, job, err := stage.OpenJob(ctx, r.store, r.Name(), summary.JobID)
	if err != nil {
		return summary, err
	}
	input, err := json.Marshal(metadata{
		Name:       job.Name,
		Key:        summary.Key,
		Format:     summary.Format,
		Paragraphs: summary.Paragraphs,
		Words:      summary.Words,
		Pages:      summary.Pages,
	})
	if err != nil {
		return summary, err
	}
	summary.MetadataID = MetadataItemID(job.ID)
	if _, _, err := scope.CreateItem(ctx, jobstore.NewItem{
		JobID:  job.ID,
		ItemID: summary.MetadataID,
		Type:   jobstore.ItemMetadata,
		Input:  string(input),
		Status: jobstore.ItemCompleted,
	}); err != nil {
		return summary, stage.StoreError(r.Name(), "record metadata", err)
	}
	return summary, nil
}

// finalizeParse completes the job once every paragraph has an item; a
// partial parse fails it so the document can be uploaded again.
func (r *Readable) finalizeParse(ctx context.Context, summary ParseSummary) (ParseSummary, error) {
	scope, err := r.store.Scope(ctx, summary.JobID)
	if err != nil {
		return summary, stage.StoreError(r.Name(), "finalize", err)
	}
	status := jobstore.StatusCompleted
	if summary.Failed > 0 {
		status = jobstore.StatusFailed
	}
	if _, err := scope.SetStatus(ctx, status); err != nil && !errors.Is(err, jobstore.ErrStatusRegression) {
		return summary, stage.StoreError(r.Name(), "finalize", err)
	}
	logging.WithContext(ctx, r.logger).Info("document items recorded",
		logging.String("status", string(status)),
		logging.Int("created", summary.Created),
		logging.Int("failed", summary.Failed),
	)
	return summary, nil
}
