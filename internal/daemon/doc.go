// Package daemon owns the long-running checkforged process: the single
// instance lock, the engine and its collaborators, the resume loop that picks
// interrupted items back up, and the optional metrics endpoint.
package daemon
