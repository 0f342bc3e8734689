package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/failures"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/keyparse"
	"doctranslate/internal/lifecycle"
	"doctranslate/internal/logging"
	"doctranslate/internal/readable"
	"doctranslate/internal/services"
	"doctranslate/internal/stage"
	"doctranslate/internal/translate"
)

// Trigger records the last pipeline start for diagnostics.
type Trigger struct {
	Topic     string    `json:"topic"`
	Seq       int64     `json:"seq"`
	Pipeline  string    `json:"pipeline"`
	Execution string    `json:"execution"`
	Duplicate bool      `json:"duplicate"`
	At        time.Time `json:"at"`
}

// Subscribe attaches the manager's handlers to bus.
func (m *Manager) Subscribe(bus events.Bus) {
	bus.Subscribe(events.TopicJobChanged, m.onJobChanged)
	bus.Subscribe(events.TopicObjectCreated, m.onObjectCreated)
	bus.Subscribe(events.TopicObjectDeleted, m.onObjectDeleted)
	bus.Subscribe(events.TopicExternalCompleted, m.resume.Handle)
	bus.Subscribe(events.TopicExecutionFailed, m.onExecutionFailed)
}

// start launches pipeline for jobID. The outbox sequence of evt is the
// name discriminator, so a redelivered event maps onto the execution it
// started the first time.
func (m *Manager) start(ctx context.Context, evt events.Event, pipeline, jobID string, input any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return err
	}
	name := engine.ExecutionName(jobID, pipeline, evt.Seq)
	exec, err := m.engine.RunAsync(ctx, pipeline, payload, name)
	if err != nil {
		m.setLastError(err)
		return err
	}
	logger := logging.WithContext(ctx, m.logger)
	if exec.Duplicate {
		logger.Debug("trigger already handled",
			logging.Execution(name),
			logging.String(logging.FieldTopic, evt.Topic),
		)
	} else {
		logger.Info("pipeline triggered",
			logging.Execution(name),
			logging.String(logging.FieldPipeline, pipeline),
			logging.String(logging.FieldTopic, evt.Topic),
			logging.Int64("seq", evt.Seq),
		)
	}
	m.setLastTrigger(Trigger{
		Topic:     evt.Topic,
		Seq:       evt.Seq,
		Pipeline:  pipeline,
		Execution: name,
		Duplicate: exec.Duplicate,
		At:        time.Now().UTC(),
	})
	return nil
}

// onJobChanged starts translation for jobs entering UPLOADED and generation
// for items entering generate. Jobs reaching a final status are announced.
func (m *Manager) onJobChanged(ctx context.Context, evt events.Event) error {
	var change jobstore.Change
	if err := evt.Decode(&change); err != nil {
		return err
	}
	switch change.Entity {
	case jobstore.EntityJob:
		before, after, err := change.Jobs()
		if err != nil || after == nil {
			return err
		}
		if before != nil && before.Status == after.Status {
			return nil
		}
		if after.Status == jobstore.StatusUploaded && after.Kind == jobstore.KindTranslation {
			return m.start(ctx, evt, translate.PipelineJob, after.ID, stage.JobInput{JobID: after.ID})
		}
		if after.Status.Terminal() {
			m.notifyJobFinished(ctx, after)
		}
		return nil
	case jobstore.EntityItem:
		before, after, err := change.Items()
		if err != nil || after == nil {
			return err
		}
		if after.Status != jobstore.ItemGenerate || (before != nil && before.Status == jobstore.ItemGenerate) {
			return nil
		}
		return m.start(ctx, evt, readable.PipelineReadable, after.JobID, readable.ItemInput{JobID: after.JobID, ItemID: after.ItemID})
	default:
		return nil
	}
}

// onObjectCreated records uploads. Translation jobs move to UPLOADED, which
// triggers their pipeline through the resulting job change; readable jobs
// are parsed directly.
func (m *Manager) onObjectCreated(ctx context.Context, evt events.Event) error {
	var obj events.ObjectEvent
	if err := evt.Decode(&obj); err != nil {
		return err
	}
	key, ok, err := m.parseKey(ctx, evt, obj.Key)
	if !ok || err != nil {
		return err
	}
	if key.Stage != keyparse.StageUpload {
		return nil
	}
	logger := logging.WithContext(ctx, m.logger)
	job, err := m.store.Job(ctx, key.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		logging.WarnWithContext(logger, "upload for unknown job", "upload_orphaned",
			logging.String("key", obj.Key),
			logging.String(logging.FieldErrorHint, "create the job before uploading its content"),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Kind == jobstore.KindReadable {
		return m.start(ctx, evt, readable.PipelineParseDoc, job.ID, readable.ParseInput{JobID: job.ID, Key: obj.Key})
	}
	if _, err := m.store.MarkUploaded(ctx, job.ID, obj.Key, ""); err != nil {
		if errors.Is(err, jobstore.ErrConditionFailed) {
			logger.Debug("upload for job past SUBMITTED ignored",
				logging.String("key", obj.Key),
				logging.String("status", string(job.Status)),
			)
			return nil
		}
		return err
	}
	return nil
}

// onObjectDeleted expires the owning job.
func (m *Manager) onObjectDeleted(ctx context.Context, evt events.Event) error {
	var obj events.ObjectEvent
	if err := evt.Decode(&obj); err != nil {
		return err
	}
	key, ok, err := m.parseKey(ctx, evt, obj.Key)
	if !ok || err != nil {
		return err
	}
	return m.start(ctx, evt, lifecycle.PipelineLifecycle, key.JobID, obj)
}

// onExecutionFailed reconciles jobs whose monitored pipeline failed.
func (m *Manager) onExecutionFailed(ctx context.Context, evt events.Event) error {
	var failure events.ExecutionFailure
	if err := evt.Decode(&failure); err != nil {
		return err
	}
	if !m.cfg.IsMonitored(failure.Pipeline) {
		logging.WithContext(ctx, m.logger).Debug("failure of unmonitored pipeline ignored",
			logging.Execution(failure.Execution),
			logging.String(logging.FieldPipeline, failure.Pipeline),
		)
		return nil
	}
	jobID := failure.JobID
	if jobID == "" {
		jobID = engine.JobIDFromExecution(failure.Execution)
	}
	return m.start(ctx, evt, failures.PipelineErrors, jobID, failure)
}

// parseKey decodes an object key. Keys outside the private scope are
// skipped; malformed private keys are reported.
func (m *Manager) parseKey(ctx context.Context, evt events.Event, raw string) (keyparse.Key, bool, error) {
	if !strings.HasPrefix(raw, keyparse.Scope+"/") {
		logging.WithContext(ctx, m.logger).Debug("object outside job scope ignored", logging.String("key", raw))
		return keyparse.Key{}, false, nil
	}
	key, err := keyparse.Parse(raw)
	if err != nil {
		logging.ErrorWithContext(logging.WithContext(ctx, m.logger), "unparsable object key", "object_key_invalid",
			logging.String("key", raw),
			logging.String(logging.FieldTopic, evt.Topic),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "objects under private/ must follow <identity>/<jobId>/<stage>/..."),
		)
		m.setLastError(err)
		return keyparse.Key{}, false, services.Wrap(services.ErrValidation, "workflow", "parse object key", "", err)
	}
	return key, true, nil
}
