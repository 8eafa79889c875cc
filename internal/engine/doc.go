// Package engine drives generation items through the stage registry. It owns
// every item mutation: state is loaded from the checkpoint store, advanced one
// stage at a time under a per-item lock, persisted, and only then announced
// through the progress broadcaster.
package engine
