// Package catalog loads the readable reference data (generation models and
// print styles) from YAML and seeds it into the job store.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Catalog is the reference data file layout.
type Catalog struct {
	Models      []Model      `yaml:"models"`
	PrintStyles []PrintStyle `yaml:"print_styles"`
}

// Model is one readable model entry.
type Model struct {
	ID         string               `yaml:"id"`
	Name       string               `yaml:"name"`
	Type       string               `yaml:"type"`
	Default    bool                 `yaml:"default"`
	Parameters map[string]any       `yaml:"parameters"`
	Text       *jobstore.ModelStage `yaml:"text"`
	Image      *jobstore.ModelStage `yaml:"image"`
}

// PrintStyle is one print style entry.
type PrintStyle struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Default    bool           `yaml:"default"`
	Parameters map[string]any `yaml:"parameters"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// DefaultBytes returns the embedded catalog file.
func DefaultBytes() []byte {
	return append([]byte(nil), defaultCatalog...)
}

// Load reads path, or the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks ids are unique, every model defines a stage with a model
// id, and at most one model and one print style are the default.
func (c *Catalog) Validate() error {
	var problems []error
	seen := make(map[string]bool, len(c.Models))
	defaults := 0
	for i, m := range c.Models {
		label := fmt.Sprintf("models[%d]", i)
		if m.ID == "" || m.Name == "" {
			problems = append(problems, fmt.Errorf("%s: id and name are required", label))
			continue
		}
		if seen[m.ID] {
			problems = append(problems, fmt.Errorf("%s: duplicate id %q", label, m.ID))
		}
		seen[m.ID] = true
		if m.Text == nil && m.Image == nil {
			problems = append(problems, fmt.Errorf("model %s: defines no text or image stage", m.ID))
		}
		for name, st := range map[string]*jobstore.ModelStage{"text": m.Text, "image": m.Image} {
			if st != nil && strings.TrimSpace(st.ModelID) == "" {
				problems = append(problems, fmt.Errorf("model %s: %s stage needs model_id", m.ID, name))
			}
		}
		if m.Default {
			defaults++
		}
	}
	if defaults > 1 {
		problems = append(problems, fmt.Errorf("%d models are marked default", defaults))
	}

	seen = make(map[string]bool, len(c.PrintStyles))
	defaults = 0
	for i, s := range c.PrintStyles {
		if s.ID == "" || s.Name == "" {
			problems = append(problems, fmt.Errorf("print_styles[%d]: id and name are required", i))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Errorf("print_styles[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Default {
			defaults++
		}
	}
	if defaults > 1 {
		problems = append(problems, fmt.Errorf("%d print styles are marked default", defaults))
	}
	return errors.Join(problems...)
}

// Seed upserts every entry into store and returns how many were written.
func Seed(ctx context.Context, store *jobstore.Store, cat *Catalog, logger *slog.Logger) (int, error) {
	logger = logging.NewComponentLogger(logger, "catalog")
	written := 0
	for _, m := range cat.Models {
		params, err := encodeParameters(m.Parameters)
		if err != nil {
			return written, fmt.Errorf("model %s: %w", m.ID, err)
		}
		if err := store.UpsertModel(ctx, jobstore.Model{
			ID:         m.ID,
			Name:       m.Name,
			Type:       m.Type,
			Default:    m.Default,
			Parameters: params,
			Text:       m.Text,
			Image:      m.Image,
		}); err != nil {
			return written, err
		}
		written++
	}
	for _, s := range cat.PrintStyles {
		params, err := encodeParameters(s.Parameters)
		if err != nil {
			return written, fmt.Errorf("print style %s: %w", s.ID, err)
		}
		if err := store.UpsertPrintStyle(ctx, jobstore.PrintStyle{
			ID:         s.ID,
			Name:       s.Name,
			Type:       s.Type,
			Default:    s.Default,
			Parameters: params,
		}); err != nil {
			return written, err
		}
		written++
	}
	logger.Info("reference data seeded",
		logging.Int("models", len(cat.Models)),
		logging.Int("print_styles", len(cat.PrintStyles)),
	)
	return written, nil
}

func encodeParameters(params map[string]any) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return data, nil
}
