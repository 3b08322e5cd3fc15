// Package llm defines the provider-neutral conversation types used by the
// agent loop and the error classification shared by every model client.
// Concrete wire formats live in the openai and gemini subpackages.
package llm
