package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"doctranslate/internal/logging"
	"doctranslate/internal/testsupport"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	cat, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if len(cat.Models) == 0 || len(cat.PrintStyles) == 0 {
		t.Fatalf("default catalog is empty: %+v", cat)
	}
	illustrated := cat.Models[1]
	if illustrated.Image == nil || illustrated.Image.Parameters["size"] != "512x512" {
		t.Fatalf("image stage not decoded: %+v", illustrated.Image)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing stage",
			doc:  "models:\n  - id: a\n    name: A\n",
			want: "defines no text or image stage",
		},
		{
			name: "stage without model id",
			doc:  "models:\n  - id: a\n    name: A\n    text:\n      prompt: hi\n",
			want: "text stage needs model_id",
		},
		{
			name: "duplicate ids",
			doc:  "print_styles:\n  - id: s\n    name: S\n  - id: s\n    name: T\n",
			want: `duplicate id "s"`,
		},
		{
			name: "two defaults",
			doc: "models:\n" +
				"  - {id: a, name: A, default: true, text: {model_id: local-a}}\n" +
				"  - {id: b, name: B, default: true, text: {model_id: local-b}}\n",
			want: "2 models are marked default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := "models:\n  - id: m\n    name: M\n    default: true\n    text:\n      model_id: gpt-4o-mini\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cat.Models) != 1 || cat.Models[0].Text.ModelID != "gpt-4o-mini" {
		t.Fatalf("unexpected catalog %+v", cat)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSeedUpsertsReferenceData(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	cat, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		written, err := Seed(ctx, store, cat, logging.NewNop())
		if err != nil {
			t.Fatalf("Seed: %v", err)
		}
		if want := len(cat.Models) + len(cat.PrintStyles); written != want {
			t.Fatalf("written = %d, want %d", written, want)
		}
	}

	model, err := store.DefaultModel(ctx)
	if err != nil {
		t.Fatalf("DefaultModel: %v", err)
	}
	if model.ID != "plain-language" || model.Text == nil {
		t.Fatalf("unexpected default model %+v", model)
	}
	styles, err := store.PrintStyles(ctx)
	if err != nil {
		t.Fatalf("PrintStyles: %v", err)
	}
	if len(styles) != 2 || styles[0].ID != "standard" || !strings.Contains(string(styles[0].Parameters), `"font_size":14`) {
		t.Fatalf("unexpected print styles %+v", styles)
	}
}
