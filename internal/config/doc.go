// Package config loads, normalizes, and validates doctranslate configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENAI_API_KEY, GEMINI_API_KEY and DOCTRANSLATE_API_TOKEN. The Config type
// centralizes every knob the daemon and CLI need: storage locations, the
// object store and event bus backends, stage retry policies, and the
// external service endpoints.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
