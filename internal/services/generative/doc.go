// Package generative routes readable generation requests to model providers.
//
// A Router maps model id prefixes to providers: the OpenAI-compatible HTTP
// API for gpt-/dall-e- style ids, Gemini through the genai SDK for gemini- and
// imagen- ids, and an offline provider for local- ids. Model ids matching no
// prefix are unrecognised and never reach a provider.
package generative
