package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	CatalogFile string `toml:"catalog_file"`
}

// API contains the daemon HTTP listener settings.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Objects contains object store backend settings.
type Objects struct {
	Backend       string `toml:"backend"`
	LocalDir      string `toml:"local_dir"`
	Endpoint      string `toml:"endpoint"`
	Bucket        string `toml:"bucket"`
	Region        string `toml:"region"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	UseSSL        bool   `toml:"use_ssl"`
	RetentionDays int    `toml:"retention_days"`
	SweepInterval int    `toml:"sweep_interval"`
}

// Bus contains event bus settings. The outbox relay always runs; the backend
// decides where relayed events are dispatched.
type Bus struct {
	Backend       string `toml:"backend"`
	RedisURL      string `toml:"redis_url"`
	ChannelPrefix string `toml:"channel_prefix"`
	PollInterval  int    `toml:"poll_interval_ms"`
	BatchSize     int    `toml:"batch_size"`
}

// Translate contains translation stage settings.
type Translate struct {
	Service          string  `toml:"service"`
	BaseURL          string  `toml:"base_url"`
	APIKey           string  `toml:"api_key"`
	MaxConcurrency   int     `toml:"max_concurrency"`
	RetryMaxAttempts int     `toml:"retry_max_attempts"`
	RetryInterval    int     `toml:"retry_interval"`
	RetryBackoffRate float64 `toml:"retry_backoff_rate"`
}

// CustomIdentifier is a named pattern the PII classifier reports as a finding.
type CustomIdentifier struct {
	Name  string `toml:"name"`
	Regex string `toml:"regex"`
}

// PII contains classification stage settings.
type PII struct {
	Enabled           bool               `toml:"enabled"`
	RetryMaxAttempts  int                `toml:"retry_max_attempts"`
	RetryInterval     int                `toml:"retry_interval"`
	RetryBackoffRate  float64            `toml:"retry_backoff_rate"`
	CustomIdentifiers []CustomIdentifier `toml:"custom_identifiers"`
}

// Readable contains readable feature settings.
type Readable struct {
	ParseConcurrency int `toml:"parse_concurrency"`
}

// Generative contains generative model endpoint settings.
type Generative struct {
	OpenAIBaseURL    string `toml:"openai_base_url"`
	OpenAIAPIKey     string `toml:"openai_api_key"`
	GeminiAPIKey     string `toml:"gemini_api_key"`
	GeminiBaseURL    string `toml:"gemini_base_url"`
	Referer          string `toml:"referer"`
	Title            string `toml:"title"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	RetryMaxAttempts int    `toml:"retry_max_attempts"`
}

// Workflow contains engine timing and failure monitoring settings.
type Workflow struct {
	JobTimeout         int      `toml:"job_timeout"`
	ReadableTimeout    int      `toml:"readable_timeout"`
	HeartbeatInterval  int      `toml:"heartbeat_interval"`
	HeartbeatTimeout   int      `toml:"heartbeat_timeout"`
	MonitoredPipelines []string `toml:"monitored_pipelines"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
	Expired        bool   `toml:"expired"`
}

// Config encapsulates all configuration values for doctranslate.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and catalog locations
//   - API: daemon HTTP listener and bearer token
//   - Objects: local or S3 object storage plus expiry
//   - Bus: outbox relay cadence and in-memory or Redis dispatch
//   - Translate / PII / Readable: stage concurrency and retry policies
//   - Generative: model endpoint credentials
//   - Workflow: execution timeouts, heartbeats, failure monitoring
//   - Logging, Notifications
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Objects       Objects       `toml:"objects"`
	Bus           Bus           `toml:"bus"`
	Translate     Translate     `toml:"translate"`
	PII           PII           `toml:"pii"`
	Readable      Readable      `toml:"readable"`
	Generative    Generative    `toml:"generative"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("doctranslate.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Objects.Backend == ObjectBackendLocal {
		dirs = append(dirs, c.Objects.LocalDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite job store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "doctranslate.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "doctranslated.lock")
}

// RelayPollInterval returns the outbox polling cadence.
func (c *Config) RelayPollInterval() time.Duration {
	return time.Duration(c.Bus.PollInterval) * time.Millisecond
}

// HeartbeatInterval returns how often running executions record liveness.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout returns the age after which a running execution is
// considered orphaned.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workflow.HeartbeatTimeout) * time.Second
}

// JobTimeout bounds a translation job pipeline, including its suspensions.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Workflow.JobTimeout) * time.Second
}

// ReadableTimeout bounds readable generation and document parsing pipelines.
func (c *Config) ReadableTimeout() time.Duration {
	return time.Duration(c.Workflow.ReadableTimeout) * time.Second
}

// SweepInterval returns the object expiry sweep cadence; zero disables it.
func (c *Config) SweepInterval() time.Duration {
	if c.Objects.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Objects.SweepInterval) * time.Second
}

// Retention returns the object retention window; zero keeps objects forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Objects.RetentionDays) * 24 * time.Hour
}

// IsMonitored reports whether execution failures of the named pipeline are
// reflected onto job status.
func (c *Config) IsMonitored(pipeline string) bool {
	for _, name := range c.Workflow.MonitoredPipelines {
		if name == pipeline {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
