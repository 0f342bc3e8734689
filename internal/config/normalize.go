package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeObjects(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeBus()
	c.normalizeStages()
	c.normalizeGenerative()
	c.normalizeWorkflow()
	c.normalizeLogging()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.CatalogFile, err = expandPath(strings.TrimSpace(c.Paths.CatalogFile)); err != nil {
		return fmt.Errorf("paths.catalog_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeObjects() error {
	c.Objects.Backend = strings.ToLower(strings.TrimSpace(c.Objects.Backend))
	if c.Objects.Backend == "" {
		c.Objects.Backend = ObjectBackendLocal
	}
	var err error
	if strings.TrimSpace(c.Objects.LocalDir) == "" {
		c.Objects.LocalDir = defaultObjectsDir
	}
	if c.Objects.LocalDir, err = expandPath(c.Objects.LocalDir); err != nil {
		return fmt.Errorf("objects.local_dir: %w", err)
	}
	c.Objects.Endpoint = strings.TrimSpace(c.Objects.Endpoint)
	c.Objects.Bucket = strings.TrimSpace(c.Objects.Bucket)
	if c.Objects.Bucket == "" {
		c.Objects.Bucket = defaultBucket
	}
	if c.Objects.AccessKey == "" {
		if value, ok := os.LookupEnv("DOCTRANSLATE_S3_ACCESS_KEY"); ok {
			c.Objects.AccessKey = strings.TrimSpace(value)
		}
	}
	if c.Objects.SecretKey == "" {
		if value, ok := os.LookupEnv("DOCTRANSLATE_S3_SECRET_KEY"); ok {
			c.Objects.SecretKey = strings.TrimSpace(value)
		}
	}
	if c.Objects.SweepInterval <= 0 {
		c.Objects.SweepInterval = defaultSweepIntervalSecond
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("DOCTRANSLATE_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeBus() {
	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = BusBackendMemory
	}
	if c.Bus.RedisURL == "" {
		if value, ok := os.LookupEnv("REDIS_URL"); ok {
			c.Bus.RedisURL = strings.TrimSpace(value)
		}
	}
	if c.Bus.ChannelPrefix == "" {
		c.Bus.ChannelPrefix = defaultRedisChannelPrefix
	}
	if c.Bus.PollInterval <= 0 {
		c.Bus.PollInterval = defaultRelayPollMillis
	}
	if c.Bus.BatchSize <= 0 {
		c.Bus.BatchSize = defaultRelayBatchSize
	}
}

func (c *Config) normalizeStages() {
	c.Translate.Service = strings.ToLower(strings.TrimSpace(c.Translate.Service))
	if c.Translate.Service == "" {
		c.Translate.Service = ServiceLocal
	}
	c.Translate.BaseURL = strings.TrimRight(strings.TrimSpace(c.Translate.BaseURL), "/")
	if c.Translate.APIKey == "" {
		if value, ok := os.LookupEnv("DOCTRANSLATE_TRANSLATE_API_KEY"); ok {
			c.Translate.APIKey = strings.TrimSpace(value)
		}
	}
	if c.Translate.RetryMaxAttempts <= 0 {
		c.Translate.RetryMaxAttempts = defaultStartRetryAttempts
	}
	if c.Translate.RetryBackoffRate <= 0 {
		c.Translate.RetryBackoffRate = defaultStartRetryBackoff
	}
	if c.PII.RetryMaxAttempts <= 0 {
		c.PII.RetryMaxAttempts = defaultStartRetryAttempts
	}
	if c.PII.RetryBackoffRate <= 0 {
		c.PII.RetryBackoffRate = defaultStartRetryBackoff
	}
	for i := range c.PII.CustomIdentifiers {
		c.PII.CustomIdentifiers[i].Name = strings.TrimSpace(c.PII.CustomIdentifiers[i].Name)
	}
	if c.Readable.ParseConcurrency <= 0 {
		c.Readable.ParseConcurrency = defaultParseConcurrency
	}
}

func (c *Config) normalizeGenerative() {
	c.Generative.OpenAIBaseURL = strings.TrimRight(strings.TrimSpace(c.Generative.OpenAIBaseURL), "/")
	if c.Generative.OpenAIBaseURL == "" {
		c.Generative.OpenAIBaseURL = defaultOpenAIBaseURL
	}
	if c.Generative.OpenAIAPIKey == "" {
		if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.Generative.OpenAIAPIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.Generative.OpenAIAPIKey = strings.TrimSpace(value)
		}
	}
	if c.Generative.GeminiAPIKey == "" {
		if value, ok := os.LookupEnv("GEMINI_API_KEY"); ok {
			c.Generative.GeminiAPIKey = strings.TrimSpace(value)
		}
	}
	c.Generative.GeminiBaseURL = strings.TrimSpace(c.Generative.GeminiBaseURL)
	if c.Generative.TimeoutSeconds <= 0 {
		c.Generative.TimeoutSeconds = defaultGenerativeTimeout
	}
	if c.Generative.RetryMaxAttempts <= 0 {
		c.Generative.RetryMaxAttempts = defaultGenerativeRetries
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		c.Workflow.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	pipelines := c.Workflow.MonitoredPipelines[:0]
	for _, name := range c.Workflow.MonitoredPipelines {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			pipelines = append(pipelines, trimmed)
		}
	}
	c.Workflow.MonitoredPipelines = pipelines
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
