// Package resume builds the sub-workflows that park an execution until an
// external service reports completion, and routes those completion reports
// back to the waiting step.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
)

// Options describes one await sub-workflow.
type Options struct {
	// Name is the pipeline name callers reference through engine.Subflow.
	Name string
	// Purpose is the callback slot family, matching Completion.Purpose.
	Purpose string
	// Key derives the external correlation id from the caller's state.
	Key engine.KeyFunc
	// Store persists the issued token on the job record.
	Store engine.TokenFunc
	// Clear removes the stored token once the completion has arrived. It
	// receives the token the execution was resumed through.
	Clear func(ctx context.Context, input json.RawMessage, token string) error
}

// Resumed is the output of an await sub-workflow: the caller's state as it
// was when the execution suspended, plus the completion that woke it and
// the token it arrived through.
type Resumed struct {
	Input      json.RawMessage   `json:"input"`
	Completion events.Completion `json:"completion"`
	Token      string            `json:"token,omitempty"`
}

// Await builds the sub-workflow described by opts.
func Await(opts Options) *engine.Pipeline {
	suspend := engine.Suspend("await-"+opts.Purpose, opts.Purpose, opts.Key).
		WithOutput(func(ctx context.Context, input, payload json.RawMessage) (json.RawMessage, error) {
			var completion events.Completion
			if err := engine.Decode(payload, &completion); err != nil {
				return nil, services.Wrap(services.ErrValidation, opts.Name, "decode completion", "", err)
			}
			return json.Marshal(Resumed{Input: input, Completion: completion, Token: engine.ResumeToken(ctx)})
		})
	if opts.Store != nil {
		suspend = suspend.WithOnToken(opts.Store)
	}
	clearToken := engine.Task("clear-token", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if opts.Clear == nil {
			return nil, nil
		}
		var resumed Resumed
		if err := engine.Decode(input, &resumed); err != nil {
			return nil, services.Wrap(services.ErrValidation, opts.Name, "decode resumed state", "", err)
		}
		return nil, opts.Clear(ctx, resumed.Input, resumed.Token)
	})
	return &engine.Pipeline{
		Name: opts.Name,
		Root: engine.Sequence(suspend, clearToken),
	}
}

// Handler routes external.completed events to suspended steps.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandler constructs the completion router.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: eng, logger: logging.NewComponentLogger(logger, "resume")}
}

// Handle is an events.Handler for external.completed. A completion that
// arrives before its step suspends is parked and picked up on suspension.
func (h *Handler) Handle(ctx context.Context, evt events.Event) error {
	var completion events.Completion
	if err := evt.Decode(&completion); err != nil {
		return services.Wrap(services.ErrValidation, "resume", "decode completion", "", err)
	}
	return h.Deliver(ctx, completion)
}

// Deliver hands completion to the step waiting on its (purpose, key).
func (h *Handler) Deliver(ctx context.Context, completion events.Completion) error {
	completion.Purpose = strings.TrimSpace(completion.Purpose)
	completion.Key = strings.TrimSpace(completion.Key)
	if completion.Purpose == "" || completion.Key == "" {
		return services.Wrap(services.ErrValidation, "resume", "deliver", "completion requires purpose and key", nil)
	}
	payload, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	delivery, err := h.engine.Deliver(ctx, completion.Purpose, completion.Key, payload)
	if err != nil {
		return fmt.Errorf("deliver %s/%s: %w", completion.Purpose, completion.Key, err)
	}
	logger := logging.WithContext(ctx, h.logger)
	if delivery.Parked {
		logger.Debug("completion parked",
			logging.String("purpose", completion.Purpose),
			logging.String(logging.FieldCorrelationID, completion.Key),
		)
		return nil
	}
	logger.Info("completion delivered",
		logging.String("purpose", completion.Purpose),
		logging.String(logging.FieldCorrelationID, completion.Key),
		logging.Execution(delivery.Registration.Execution),
		logging.String("status", completion.Status),
	)
	return nil
}
