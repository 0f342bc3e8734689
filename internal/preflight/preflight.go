package preflight

import (
	"context"

	"doctranslate/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// Data directory (always checked)
	results = append(results,
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDiskSpace("Data disk", cfg.Paths.DataDir, minFreeBytes),
	)

	if cfg.Objects.Backend == config.ObjectBackendLocal && cfg.Objects.LocalDir != "" {
		results = append(results, CheckDirectoryAccess("Object directory", cfg.Objects.LocalDir))
	}

	if cfg.Translate.Service == config.ServiceHTTP {
		results = append(results, CheckTranslationService(ctx, cfg.Translate.BaseURL, cfg.Translate.APIKey))
	}

	if cfg.Bus.Backend == config.BusBackendRedis {
		results = append(results, CheckRedis(ctx, cfg.Bus.RedisURL))
	}

	results = append(results, CheckGenerative(cfg.Generative))
	return results
}
