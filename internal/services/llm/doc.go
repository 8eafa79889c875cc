// Package llm wraps the chat completion API used for checker generation.
// The client enforces JSON-only responses, bounds transient failures with
// exponential backoff, and tolerates the formatting quirks different
// providers exhibit in practice (code fences, streaming schemas).
package llm
