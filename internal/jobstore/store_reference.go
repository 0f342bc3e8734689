package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertModel inserts or replaces a readable model.
func (s *Store) UpsertModel(ctx context.Context, model Model) error {
	if model.ID == "" || model.Name == "" {
		return fmt.Errorf("%w: model id and name are required", ErrInvalid)
	}
	textStage, err := marshalOptional(model.Text)
	if err != nil {
		return fmt.Errorf("marshal text stage: %w", err)
	}
	imageStage, err := marshalOptional(model.Image)
	if err != nil {
		return fmt.Errorf("marshal image stage: %w", err)
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO models (id, name, type, is_default, parameters, text_stage, image_stage)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type,
             is_default = excluded.is_default, parameters = excluded.parameters,
             text_stage = excluded.text_stage, image_stage = excluded.image_stage`,
		model.ID, model.Name, model.Type, boolToInt(model.Default),
		nullableJSON(model.Parameters), textStage, imageStage,
	); err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

// Model returns one readable model.
func (s *Store) Model(ctx context.Context, id string) (*Model, error) {
	model, err := scanModel(s.db.QueryRowContext(ensureContext(ctx),
		"SELECT id, name, type, is_default, parameters, text_stage, image_stage FROM models WHERE id = ?", id))
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, fmt.Errorf("%w: model %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load model: %w", err)
	}
	return model, nil
}

// Models lists readable models; defaults sort first.
func (s *Store) Models(ctx context.Context) ([]*Model, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT id, name, type, is_default, parameters, text_stage, image_stage FROM models ORDER BY is_default DESC, name")
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	var models []*Model
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, model)
	}
	return models, rows.Err()
}

// DefaultModel returns the model flagged as default.
func (s *Store) DefaultModel(ctx context.Context) (*Model, error) {
	models, err := s.Models(ctx)
	if err != nil {
		return nil, err
	}
	for _, model := range models {
		if model.Default {
			return model, nil
		}
	}
	return nil, fmt.Errorf("%w: no default model", ErrNotFound)
}

// UpsertPrintStyle inserts or replaces a print style.
func (s *Store) UpsertPrintStyle(ctx context.Context, style PrintStyle) error {
	if style.ID == "" || style.Name == "" {
		return fmt.Errorf("%w: print style id and name are required", ErrInvalid)
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO print_styles (id, name, type, is_default, parameters) VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type,
             is_default = excluded.is_default, parameters = excluded.parameters`,
		style.ID, style.Name, style.Type, boolToInt(style.Default), nullableJSON(style.Parameters),
	); err != nil {
		return fmt.Errorf("upsert print style: %w", err)
	}
	return nil
}

// PrintStyles lists print styles; defaults sort first.
func (s *Store) PrintStyles(ctx context.Context) ([]*PrintStyle, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT id, name, type, is_default, parameters FROM print_styles ORDER BY is_default DESC, name")
	if err != nil {
		return nil, fmt.Errorf("list print styles: %w", err)
	}
	defer rows.Close()
	var styles []*PrintStyle
	for rows.Next() {
		var (
			style      PrintStyle
			isDefault  int
			parameters sql.NullString
		)
		if err := rows.Scan(&style.ID, &style.Name, &style.Type, &isDefault, &parameters); err != nil {
			return nil, fmt.Errorf("scan print style: %w", err)
		}
		style.Default = isDefault != 0
		style.Parameters = rawJSON(parameters)
		styles = append(styles, &style)
	}
	return styles, rows.Err()
}

func scanModel(scanner rowScanner) (*Model, error) {
	var (
		model      Model
		isDefault  int
		parameters sql.NullString
		textStage  sql.NullString
		imageStage sql.NullString
	)
	if err := scanner.Scan(&model.ID, &model.Name, &model.Type, &isDefault, &parameters, &textStage, &imageStage); err != nil {
		return nil, err
	}
	model.Default = isDefault != 0
	model.Parameters = rawJSON(parameters)
	if textStage.Valid && textStage.String != "" {
		model.Text = &ModelStage{}
		if err := json.Unmarshal([]byte(textStage.String), model.Text); err != nil {
			return nil, err
		}
	}
	if imageStage.Valid && imageStage.String != "" {
		model.Image = &ModelStage{}
		if err := json.Unmarshal([]byte(imageStage.String), model.Image); err != nil {
			return nil, err
		}
	}
	return &model, nil
}

func marshalOptional(stage *ModelStage) (any, error) {
	if stage == nil {
		return nil, nil
	}
	data, err := json.Marshal(stage)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
