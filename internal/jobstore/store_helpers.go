package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const jobColumns = "id, kind, identity, name, status, content_type, content_key, language_source, language_targets, pii_status, pii_callback, created_at, updated_at"

const itemColumns = "job_id, item_id, type, item_order, parent, input, output, model_id, status, owner, created_at, updated_at"

const executionColumns = "name, pipeline, job_id, input, output, status, error, started_at, deadline_at, heartbeat_at, finished_at"

const callbackColumns = "purpose, key, token, execution, step_path, payload, created_at"

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job         Job
		kind        string
		status      string
		contentType sql.NullString
		contentKey  sql.NullString
		source      sql.NullString
		targets     sql.NullString
		piiStatus   sql.NullString
		piiCallback sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&job.ID,
		&kind,
		&job.Identity,
		&job.Name,
		&status,
		&contentType,
		&contentKey,
		&source,
		&targets,
		&piiStatus,
		&piiCallback,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.ContentType = contentType.String
	job.ContentKey = contentKey.String
	job.LanguageSource = source.String
	job.PIIStatus = PIIStatus(piiStatus.String)
	job.PIICallback = piiCallback.String
	if targets.Valid && targets.String != "" {
		if err := json.Unmarshal([]byte(targets.String), &job.LanguageTargets); err != nil {
			return nil, err
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return &job, nil
}

func scanItem(scanner rowScanner) (*Item, error) {
	var (
		item       Item
		itemType   string
		parent     sql.NullString
		input      sql.NullString
		output     sql.NullString
		modelID    sql.NullString
		status     string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&item.JobID,
		&item.ItemID,
		&itemType,
		&item.Order,
		&parent,
		&input,
		&output,
		&modelID,
		&status,
		&item.Owner,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	item.Type = ItemType(itemType)
	item.Parent = parent.String
	item.Input = input.String
	item.Output = output.String
	item.ModelID = modelID.String
	item.Status = ItemStatus(status)
	if created, err := parseTimeString(createdRaw); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	return &item, nil
}

func scanExecution(scanner rowScanner) (*Execution, error) {
	var (
		exec       Execution
		jobID      sql.NullString
		input      sql.NullString
		output     sql.NullString
		status     string
		errMsg     sql.NullString
		startedRaw string
		deadline   sql.NullString
		heartbeat  sql.NullString
		finished   sql.NullString
	)
	if err := scanner.Scan(
		&exec.Name,
		&exec.Pipeline,
		&jobID,
		&input,
		&output,
		&status,
		&errMsg,
		&startedRaw,
		&deadline,
		&heartbeat,
		&finished,
	); err != nil {
		return nil, err
	}
	exec.JobID = jobID.String
	exec.Input = rawJSON(input)
	exec.Output = rawJSON(output)
	exec.Status = ExecutionStatus(status)
	exec.Error = errMsg.String
	if started, err := parseTimeString(startedRaw); err == nil {
		exec.StartedAt = started
	}
	exec.Deadline = optionalTime(deadline)
	exec.HeartbeatAt = optionalTime(heartbeat)
	exec.FinishedAt = optionalTime(finished)
	return &exec, nil
}

func scanCallback(scanner rowScanner) (*Callback, error) {
	var (
		cb         Callback
		token      sql.NullString
		execution  sql.NullString
		path       sql.NullString
		payload    sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&cb.Purpose, &cb.Key, &token, &execution, &path, &payload, &createdRaw); err != nil {
		return nil, err
	}
	cb.Token = token.String
	cb.Execution = execution.String
	cb.Path = path.String
	cb.Payload = rawJSON(payload)
	if created, err := parseTimeString(createdRaw); err == nil {
		cb.CreatedAt = created
	}
	return &cb, nil
}

func rawJSON(value sql.NullString) json.RawMessage {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.RawMessage(value.String)
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(timeLayout)
}

func optionalTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &parsed
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
