// Package checkpoint persists workflow state for generation items backed by
// SQLite. Every engine transition is written here before it is announced
// anywhere else, so the store is the single source of truth after a crash.
package checkpoint
