package objectstore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"doctranslate/internal/keyparse"
	"doctranslate/internal/logging"
)

// ExpiredReason marks deletions made by the Expirer.
const ExpiredReason = "expired"

// Expirer deletes job objects older than the retention window through an
// Evented store, so each removal surfaces as object.deleted.
type Expirer struct {
	store     *Evented
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewExpirer builds an expirer. A zero retention disables sweeping.
func NewExpirer(store *Evented, retention time.Duration, logger *slog.Logger) *Expirer {
	return &Expirer{
		store:     store,
		retention: retention,
		now:       time.Now,
		logger:    logging.NewComponentLogger(logger, "expirer"),
	}
}

// Sweep deletes every expired object and returns how many were removed.
func (x *Expirer) Sweep(ctx context.Context) (int, error) {
	if x.retention <= 0 {
		return 0, nil
	}
	objects, err := x.store.List(ctx, keyparse.Scope+"/")
	if err != nil {
		return 0, err
	}
	cutoff := x.now().Add(-x.retention)
	removed := 0
	for _, obj := range objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if strings.HasSuffix(obj.Key, "/"+keyparse.AccessCheckFile) {
			continue
		}
		if err := x.store.DeleteWithReason(ctx, obj.Key, ExpiredReason); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		x.logger.Info("expired objects removed", logging.Int("count", removed), logging.Duration("retention", x.retention))
	}
	return removed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (x *Expirer) Run(ctx context.Context, interval time.Duration) error {
	if x.retention <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := x.Sweep(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(x.logger, "object expiry sweep failed", "expiry_sweep_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "expired objects remain until the next sweep"),
				logging.String(logging.FieldErrorHint, "check object store connectivity"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
