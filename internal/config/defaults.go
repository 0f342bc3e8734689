package config

const (
	defaultConfigPath = "~/.config/doctranslate/config.toml"
	defaultDataDir    = "~/.local/share/doctranslate"
	defaultLogDir     = "~/.local/share/doctranslate/logs"
	defaultObjectsDir = "~/.local/share/doctranslate/objects"
	defaultAPIBind    = "127.0.0.1:7488"
	defaultLogFormat  = "console"
	defaultLogLevel   = "info"

	// ObjectBackendLocal stores objects on the local filesystem.
	ObjectBackendLocal = "local"
	// ObjectBackendS3 stores objects in an S3-compatible bucket.
	ObjectBackendS3 = "s3"
	// BusBackendMemory dispatches relayed events in-process.
	BusBackendMemory = "memory"
	// BusBackendRedis dispatches relayed events over Redis pub/sub.
	BusBackendRedis = "redis"
	// ServiceLocal selects the built-in simulated external service.
	ServiceLocal = "local"
	// ServiceHTTP selects the JSON-over-HTTP external service client.
	ServiceHTTP = "http"

	defaultBucket              = "doctranslate-content"
	defaultRedisChannelPrefix  = "doctranslate:"
	defaultRelayPollMillis     = 500
	defaultRelayBatchSize      = 100
	defaultTranslateParallel   = 10
	defaultStartRetryAttempts  = 50
	defaultStartRetryInterval  = 5
	defaultStartRetryBackoff   = 1.15
	defaultParseConcurrency    = 5
	defaultOpenAIBaseURL       = "https://api.openai.com/v1"
	defaultGenerativeReferer   = "https://github.com/doctranslate/doctranslate"
	defaultGenerativeTitle     = "doctranslate readable"
	defaultGenerativeTimeout   = 120
	defaultGenerativeRetries   = 5
	defaultJobTimeoutSeconds   = 24 * 60 * 60
	defaultReadableTimeout     = 30 * 60
	defaultHeartbeatInterval   = 15
	defaultHeartbeatTimeout    = 120
	defaultSweepIntervalSecond = 3600
	defaultNotifyTimeout       = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Objects: Objects{
			Backend:       ObjectBackendLocal,
			LocalDir:      defaultObjectsDir,
			Bucket:        defaultBucket,
			SweepInterval: defaultSweepIntervalSecond,
		},
		Bus: Bus{
			Backend:       BusBackendMemory,
			ChannelPrefix: defaultRedisChannelPrefix,
			PollInterval:  defaultRelayPollMillis,
			BatchSize:     defaultRelayBatchSize,
		},
		Translate: Translate{
			Service:          ServiceLocal,
			MaxConcurrency:   defaultTranslateParallel,
			RetryMaxAttempts: defaultStartRetryAttempts,
			RetryInterval:    defaultStartRetryInterval,
			RetryBackoffRate: defaultStartRetryBackoff,
		},
		PII: PII{
			RetryMaxAttempts: defaultStartRetryAttempts,
			RetryInterval:    defaultStartRetryInterval,
			RetryBackoffRate: defaultStartRetryBackoff,
		},
		Readable: Readable{
			ParseConcurrency: defaultParseConcurrency,
		},
		Generative: Generative{
			OpenAIBaseURL:    defaultOpenAIBaseURL,
			Referer:          defaultGenerativeReferer,
			Title:            defaultGenerativeTitle,
			TimeoutSeconds:   defaultGenerativeTimeout,
			RetryMaxAttempts: defaultGenerativeRetries,
		},
		Workflow: Workflow{
			JobTimeout:         defaultJobTimeoutSeconds,
			ReadableTimeout:    defaultReadableTimeout,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			MonitoredPipelines: []string{"translate-job", "readable", "parsedoc"},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Completed:      true,
			Failed:         true,
			Expired:        false,
		},
	}
}
