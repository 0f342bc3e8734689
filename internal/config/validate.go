package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateObjects(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateTranslate(); err != nil {
		return err
	}
	if err := c.validatePII(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateObjects() error {
	switch c.Objects.Backend {
	case ObjectBackendLocal:
		if c.Objects.LocalDir == "" {
			return errors.New("objects.local_dir must be set for the local backend")
		}
	case ObjectBackendS3:
		if c.Objects.Endpoint == "" {
			return errors.New("objects.endpoint must be set for the s3 backend")
		}
		if c.Objects.AccessKey == "" || c.Objects.SecretKey == "" {
			return errors.New("objects.access_key and objects.secret_key must be set for the s3 backend (or DOCTRANSLATE_S3_ACCESS_KEY / DOCTRANSLATE_S3_SECRET_KEY)")
		}
	default:
		return fmt.Errorf("objects.backend: unsupported value %q", c.Objects.Backend)
	}
	if c.Objects.RetentionDays < 0 {
		return errors.New("objects.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Backend {
	case BusBackendMemory:
	case BusBackendRedis:
		if c.Bus.RedisURL == "" {
			return errors.New("bus.redis_url must be set for the redis backend (or REDIS_URL)")
		}
	default:
		return fmt.Errorf("bus.backend: unsupported value %q", c.Bus.Backend)
	}
	return nil
}

func (c *Config) validateTranslate() error {
	switch c.Translate.Service {
	case ServiceLocal:
	case ServiceHTTP:
		if c.Translate.BaseURL == "" {
			return errors.New("translate.base_url must be set when translate.service is http")
		}
	default:
		return fmt.Errorf("translate.service: unsupported value %q", c.Translate.Service)
	}
	if c.Translate.MaxConcurrency < 0 {
		return errors.New("translate.max_concurrency must be >= 0")
	}
	if c.Translate.RetryInterval < 0 {
		return errors.New("translate.retry_interval must be >= 0")
	}
	if c.Translate.RetryBackoffRate < 1 {
		return errors.New("translate.retry_backoff_rate must be >= 1")
	}
	return nil
}

func (c *Config) validatePII() error {
	if c.PII.RetryBackoffRate < 1 {
		return errors.New("pii.retry_backoff_rate must be >= 1")
	}
	seen := make(map[string]struct{}, len(c.PII.CustomIdentifiers))
	for _, ident := range c.PII.CustomIdentifiers {
		if ident.Name == "" {
			return errors.New("pii.custom_identifiers: name must be set")
		}
		if _, dup := seen[ident.Name]; dup {
			return fmt.Errorf("pii.custom_identifiers: duplicate name %q", ident.Name)
		}
		seen[ident.Name] = struct{}{}
		if _, err := regexp.Compile(ident.Regex); err != nil {
			return fmt.Errorf("pii.custom_identifiers %q: %w", ident.Name, err)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.JobTimeout < 0 || c.Workflow.ReadableTimeout < 0 {
		return errors.New("workflow timeouts must be >= 0")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
