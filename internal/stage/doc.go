// Package stage defines the handler contract for pipeline stages and the
// ordered registry the workflow engine walks. The registry is a static table
// built once at startup; it carries no state of its own.
package stage
