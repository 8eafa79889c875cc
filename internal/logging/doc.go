// Package logging provides slog construction and the structured field
// conventions shared across checkforge components.
package logging
