package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/language"

	"doctranslate/internal/events"
	"doctranslate/internal/services"
)

// authorize rejects writes to jobID from an execution bound to another job.
// Callers outside any execution (API handlers, the trigger router) carry no
// job binding and are not restricted.
func authorize(ctx context.Context, jobID string) error {
	bound, ok := services.JobIDFromContext(ensureContext(ctx))
	if !ok || bound == jobID {
		return nil
	}
	return fmt.Errorf("%w: execution for job %s touched job %s", ErrForbidden, bound, jobID)
}

// CanonicalLanguage returns the BCP 47 form of code.
func CanonicalLanguage(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty language code", ErrInvalid)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("%w: language %q: %v", ErrInvalid, code, err)
	}
	return tag.String(), nil
}

func canonicalOrRaw(code string) string {
	if canonical, err := CanonicalLanguage(code); err == nil {
		return canonical
	}
	return code
}

// CreateJob inserts a new job in SUBMITTED.
func (s *Store) CreateJob(ctx context.Context, req NewJob) (*Job, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.Identity = strings.TrimSpace(req.Identity)
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" || req.Identity == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: job id, identity and name are required", ErrInvalid)
	}
	if strings.ContainsAny(req.ID, "/_") {
		return nil, fmt.Errorf("%w: job id %q may not contain '/' or '_'", ErrInvalid, req.ID)
	}
	switch req.Kind {
	case KindTranslation:
		source, err := CanonicalLanguage(req.LanguageSource)
		if err != nil {
			return nil, err
		}
		req.LanguageSource = source
		if len(req.LanguageTargets) == 0 {
			return nil, fmt.Errorf("%w: at least one target language is required", ErrInvalid)
		}
		targets := make([]string, 0, len(req.LanguageTargets))
		for _, raw := range req.LanguageTargets {
			target, err := CanonicalLanguage(raw)
			if err != nil {
				return nil, err
			}
			if target == source {
				return nil, fmt.Errorf("%w: target language %s equals the source language", ErrInvalid, target)
			}
			if !slices.Contains(targets, target) {
				targets = append(targets, target)
			}
		}
		req.LanguageTargets = targets
	case KindReadable:
		req.LanguageSource = ""
		req.LanguageTargets = nil
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalid, req.Kind)
	}
	if err := authorize(ctx, req.ID); err != nil {
		return nil, err
	}

	var created *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE id = ?", req.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: job %s already exists", ErrConditionFailed, req.ID)
		}
		var targetsJSON any
		if len(req.LanguageTargets) > 0 {
			data, err := json.Marshal(req.LanguageTargets)
			if err != nil {
				return fmt.Errorf("marshal targets: %w", err)
			}
			targetsJSON = string(data)
		}
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`, status_rank) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, string(req.Kind), req.Identity, req.Name, string(StatusSubmitted),
			nullableString(req.ContentType), nil, nullableString(req.LanguageSource), targetsJSON,
			nil, nil, now, now, StatusSubmitted.Rank(),
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for position, target := range req.LanguageTargets {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_languages (job_id, language, position) VALUES (?, ?, ?)`,
				req.ID, target, position,
			); err != nil {
				return fmt.Errorf("insert language %s: %w", target, err)
			}
		}
		job, err := loadJob(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		created = job
		return s.appendJobChange(ctx, tx, nil, job)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Job returns the job with the given id.
func (s *Store) Job(ctx context.Context, id string) (*Job, error) {
	return loadJob(ensureContext(ctx), s.db, id)
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	ctx = ensureContext(ctx)
	var (
		clauses []string
		args    []any
	)
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Identity != "" {
		clauses = append(clauses, "identity = ?")
		args = append(args, filter.Identity)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query := "SELECT " + jobColumns + " FROM jobs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	for _, job := range jobs {
		if err := loadLanguages(ctx, s.db, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// SetStatus moves the job to status to. When expect is non-empty the write
// only applies if the current status is one of expect. Writing the current
// status is a no-op; writing a lower-ranked status fails with
// ErrStatusRegression.
func (s *Store) SetStatus(ctx context.Context, id string, to Status, expect ...Status) (*Job, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, to)
	}
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		if len(expect) > 0 && !slices.Contains(expect, job.Status) {
			return false, fmt.Errorf("%w: job %s is %s", ErrConditionFailed, id, job.Status)
		}
		if job.Status == to {
			return false, nil
		}
		if to.Rank() < job.Status.Rank() {
			return false, fmt.Errorf("%w: job %s cannot move from %s to %s", ErrStatusRegression, id, job.Status, to)
		}
		_, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, status_rank = ? WHERE id = ?", string(to), to.Rank(), id)
		return true, err
	})
}

// MarkUploaded records the uploaded content and moves a SUBMITTED job to
// UPLOADED. Jobs past SUBMITTED fail with ErrConditionFailed.
func (s *Store) MarkUploaded(ctx context.Context, id, contentKey, contentType string) (*Job, error) {
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		if job.Status != StatusSubmitted {
			return false, fmt.Errorf("%w: job %s is %s", ErrConditionFailed, id, job.Status)
		}
		if contentType == "" {
			contentType = job.ContentType
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, status_rank = ?, content_key = ?, content_type = ? WHERE id = ?",
			string(StatusUploaded), StatusUploaded.Rank(), contentKey, nullableString(contentType), id,
		)
		return true, err
	})
}

// MarkProcessing moves an UPLOADED job to PROCESSING. Any other state fails
// with ErrConditionFailed, which makes duplicate pipeline starts exit early.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	return s.SetStatus(ctx, id, StatusProcessing, StatusUploaded)
}

// SetLanguageStatus records the translation state of one target language.
func (s *Store) SetLanguageStatus(ctx context.Context, id, lang, status string) (*Job, error) {
	switch status {
	case LanguageProcessing, LanguageTranslated, LanguageFailed:
	default:
		return nil, fmt.Errorf("%w: unknown language status %q", ErrInvalid, status)
	}
	return s.mutateLanguage(ctx, id, lang, func(tx *sql.Tx, job *Job, lang string) (bool, error) {
		if job.TranslateStatus[lang] == status {
			return false, nil
		}
		return true, updateLanguage(ctx, tx, id, lang, "translate_status", status)
	})
}

// SetLanguageKey records the translated artifact key of one target language.
func (s *Store) SetLanguageKey(ctx context.Context, id, lang, key string) (*Job, error) {
	return s.mutateLanguage(ctx, id, lang, func(tx *sql.Tx, job *Job, lang string) (bool, error) {
		if job.TranslateKey[lang] == key {
			return false, nil
		}
		return true, updateLanguage(ctx, tx, id, lang, "translate_key", nullableString(key))
	})
}

// SetLanguageCallback stores a callback token for one language. It succeeds
// only when no other token is stored.
func (s *Store) SetLanguageCallback(ctx context.Context, id, lang, token string) (*Job, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty callback token", ErrInvalid)
	}
	return s.mutateLanguage(ctx, id, lang, func(tx *sql.Tx, job *Job, lang string) (bool, error) {
		current := job.TranslateCallback[lang]
		if current == token {
			return false, nil
		}
		if current != "" {
			return false, fmt.Errorf("%w: job %s language %s already holds a callback", ErrConditionFailed, id, lang)
		}
		return true, updateLanguage(ctx, tx, id, lang, "translate_callback", token)
	})
}

// ClearLanguageCallback removes the stored token for one language. A
// non-empty token must match the stored value.
func (s *Store) ClearLanguageCallback(ctx context.Context, id, lang, token string) (*Job, error) {
	return s.mutateLanguage(ctx, id, lang, func(tx *sql.Tx, job *Job, lang string) (bool, error) {
		current := job.TranslateCallback[lang]
		if current == "" {
			return false, nil
		}
		if token != "" && current != token {
			return false, fmt.Errorf("%w: job %s language %s holds a different callback", ErrConditionFailed, id, lang)
		}
		return true, updateLanguage(ctx, tx, id, lang, "translate_callback", nil)
	})
}

// AdvancePIIStatus moves the classification state forward along
// "" -> pre -> post -> True|False. Rewriting the current state is a no-op.
func (s *Store) AdvancePIIStatus(ctx context.Context, id string, to PIIStatus) (*Job, error) {
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		if job.PIIStatus == to {
			return false, nil
		}
		if !job.PIIStatus.CanAdvance(to) {
			return false, fmt.Errorf("%w: job %s pii status cannot move from %q to %q", ErrConditionFailed, id, job.PIIStatus, to)
		}
		_, err := tx.ExecContext(ctx, "UPDATE jobs SET pii_status = ? WHERE id = ?", string(to), id)
		return true, err
	})
}

// SetPIICallback stores the classification callback token. It succeeds only
// when no other token is stored.
func (s *Store) SetPIICallback(ctx context.Context, id, token string) (*Job, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty callback token", ErrInvalid)
	}
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		if job.PIICallback == token {
			return false, nil
		}
		if job.PIICallback != "" {
			return false, fmt.Errorf("%w: job %s already holds a pii callback", ErrConditionFailed, id)
		}
		_, err := tx.ExecContext(ctx, "UPDATE jobs SET pii_callback = ? WHERE id = ?", token, id)
		return true, err
	})
}

// ClearPIICallback removes the classification token. A non-empty token must
// match the stored value.
func (s *Store) ClearPIICallback(ctx context.Context, id, token string) (*Job, error) {
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		if job.PIICallback == "" {
			return false, nil
		}
		if token != "" && job.PIICallback != token {
			return false, fmt.Errorf("%w: job %s holds a different pii callback", ErrConditionFailed, id)
		}
		_, err := tx.ExecContext(ctx, "UPDATE jobs SET pii_callback = NULL WHERE id = ?", id)
		return true, err
	})
}

// ClearCallbacks removes every callback token stored on the job.
func (s *Store) ClearCallbacks(ctx context.Context, id string) (*Job, error) {
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		changed := false
		if job.PIICallback != "" {
			if _, err := tx.ExecContext(ctx, "UPDATE jobs SET pii_callback = NULL WHERE id = ?", id); err != nil {
				return false, err
			}
			changed = true
		}
		if len(job.TranslateCallback) > 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE job_languages SET translate_callback = NULL WHERE job_id = ?", id); err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	})
}

// DeleteJob removes the job together with its languages and items.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if err := authorize(ctx, id); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		before, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return s.appendJobChange(ctx, tx, before, nil)
	})
}

func (s *Store) mutateJob(ctx context.Context, id string, fn func(tx *sql.Tx, job *Job) (bool, error)) (*Job, error) {
	ctx = ensureContext(ctx)
	if err := authorize(ctx, id); err != nil {
		return nil, err
	}
	var result *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		before, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err := fn(tx, before)
		if err != nil {
			return err
		}
		if !changed {
			result = before
			return nil
		}
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET updated_at = ? WHERE id = ?", s.timestamp(), id); err != nil {
			return fmt.Errorf("touch job: %w", err)
		}
		after, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		result = after
		return s.appendJobChange(ctx, tx, before, after)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) mutateLanguage(ctx context.Context, id, lang string, fn func(tx *sql.Tx, job *Job, lang string) (bool, error)) (*Job, error) {
	lang = canonicalOrRaw(lang)
	return s.mutateJob(ctx, id, func(tx *sql.Tx, job *Job) (bool, error) {
		if !slices.Contains(job.LanguageTargets, lang) {
			return false, fmt.Errorf("%w: job %s has no target language %q", ErrNotFound, id, lang)
		}
		return fn(tx, job, lang)
	})
}

func updateLanguage(ctx context.Context, tx *sql.Tx, id, lang, column string, value any) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE job_languages SET "+column+" = ? WHERE job_id = ? AND language = ?",
		value, id, lang,
	)
	return err
}

func loadJob(ctx context.Context, q queryer, id string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if err := loadLanguages(ctx, q, job); err != nil {
		return nil, err
	}
	return job, nil
}

func loadLanguages(ctx context.Context, q queryer, job *Job) error {
	rows, err := q.QueryContext(ctx,
		`SELECT language, translate_status, translate_key, translate_callback
         FROM job_languages WHERE job_id = ? ORDER BY position`,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("load languages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lang     string
			status   sql.NullString
			key      sql.NullString
			callback sql.NullString
		)
		if err := rows.Scan(&lang, &status, &key, &callback); err != nil {
			return fmt.Errorf("scan language: %w", err)
		}
		job.TranslateStatus = setEntry(job.TranslateStatus, lang, status.String)
		job.TranslateKey = setEntry(job.TranslateKey, lang, key.String)
		job.TranslateCallback = setEntry(job.TranslateCallback, lang, callback.String)
	}
	return rows.Err()
}

func setEntry(m map[string]string, key, value string) map[string]string {
	if value == "" {
		return m
	}
	if m == nil {
		m = make(map[string]string)
	}
	m[key] = value
	return m
}

func (s *Store) appendJobChange(ctx context.Context, tx *sql.Tx, before, after *Job) error {
	change := Change{Entity: EntityJob}
	var err error
	if before != nil {
		change.JobID = before.ID
		if change.Before, err = json.Marshal(before); err != nil {
			return fmt.Errorf("marshal job image: %w", err)
		}
	}
	if after != nil {
		change.JobID = after.ID
		if change.After, err = json.Marshal(after); err != nil {
			return fmt.Errorf("marshal job image: %w", err)
		}
	}
	_, err = s.appendEvent(ctx, tx, events.TopicJobChanged, change.JobID, change)
	return err
}
