package testsupport

import (
	"path/filepath"
	"testing"

	"doctranslate/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Objects.LocalDir = filepath.Join(base, "objects")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Translate.RetryInterval = 0
	cfgVal.PII.RetryInterval = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithPII enables the classification branch of the translation pipeline.
func WithPII() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.PII.Enabled = true
	}
}

// WithAPIToken sets the bearer token required by the daemon API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.Token = token
	}
}

// WithRetries overrides the start-retry attempts of the external stages.
func WithRetries(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Translate.RetryMaxAttempts = attempts
		b.cfg.PII.RetryMaxAttempts = attempts
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
