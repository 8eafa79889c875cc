// Package stageexec runs a single stage through its bounded self-check loop.
// Retryable failures never escape this package; they surface only as recorded
// stage results after the budget is exhausted.
package stageexec
