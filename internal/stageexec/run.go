package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"checkforge/internal/checkpoint"
	"checkforge/internal/logging"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// ErrCancelled indicates a cancellation request was observed at a retry-loop
// boundary before the stage produced a final result.
var ErrCancelled = errors.New("stage execution cancelled")

// Options controls one stage execution.
type Options struct {
	Logger     *slog.Logger
	Definition stage.Definition
	Item       *checkpoint.Item
	// Cancelled is probed at each loop boundary; it never interrupts an
	// in-flight handler call.
	Cancelled func() bool
}

// Result captures every attempt made during one stage execution. The last
// attempt decides whether the stage advanced.
type Result struct {
	Attempts []checkpoint.StageResult
}

// Final returns the attempt that decided the stage outcome.
func (r Result) Final() checkpoint.StageResult {
	if len(r.Attempts) == 0 {
		return checkpoint.StageResult{}
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Success reports whether the final attempt succeeded.
func (r Result) Success() bool {
	return r.Final().Outcome == checkpoint.OutcomeSuccess
}

// Run invokes the stage handler through the bounded self-check loop. A stage
// with a zero retry ceiling is invoked exactly once and its outcome passes
// through unchanged. Every attempt is returned for audit; only the final one
// advances the pipeline.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Definition.Handler == nil {
		return Result{}, fmt.Errorf("stage handler unavailable: %s", opts.Definition.Name)
	}
	if opts.Item == nil {
		return Result{}, fmt.Errorf("checkpoint item is required")
	}

	stageCtx := services.WithStage(ctx, opts.Definition.Name)
	logger := logging.WithContext(stageCtx, opts.Logger)
	ceiling := opts.Definition.RetryCeiling()

	logger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("stage_index", opts.Definition.Index),
		logging.Int("retry_ceiling", ceiling),
	)

	var (
		result   Result
		feedback string
	)
	for attempt := 1; attempt <= ceiling+1; attempt++ {
		if opts.Cancelled != nil && opts.Cancelled() {
			logger.Info(
				"stage abandoned",
				logging.String(logging.FieldEventType, "stage_cancelled"),
				logging.Int("attempt", attempt-1),
			)
			return result, ErrCancelled
		}

		attemptCtx := services.WithAttempt(stageCtx, attempt)
		attemptResult, err := opts.Definition.Handler.Execute(attemptCtx, stage.Request{
			Item:          opts.Item,
			AttemptNumber: attempt,
			Feedback:      feedback,
		})
		attemptResult.StageIndex = opts.Definition.Index
		attemptResult.StageName = opts.Definition.Name
		attemptResult.AttemptNumber = attempt
		if attemptResult.RecordedAt.IsZero() {
			attemptResult.RecordedAt = time.Now().UTC()
		}

		if err != nil {
			attemptResult = applyError(attemptResult, err)
		}

		switch attemptResult.Outcome {
		case checkpoint.OutcomeSuccess:
			result.Attempts = append(result.Attempts, attemptResult)
			logger.Info(
				"stage completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Int("attempt", attempt),
			)
			return result, nil
		case checkpoint.OutcomeNeedsRetry:
		case checkpoint.OutcomeFailed:
		default:
			unknown := attemptResult.Outcome
			attemptResult.Outcome = checkpoint.OutcomeFailed
			attemptResult.Diagnostics = append(attemptResult.Diagnostics,
				fmt.Sprintf("handler returned unknown outcome %q", unknown))
		}

		if attemptResult.Outcome == checkpoint.OutcomeFailed {
			result.Attempts = append(result.Attempts, attemptResult)
			logger.Error(
				"stage failed",
				logging.String(logging.FieldEventType, "stage_failure"),
				logging.Int("attempt", attempt),
				logging.String("diagnostics", strings.Join(attemptResult.Diagnostics, "; ")),
			)
			return result, nil
		}

		// Needs retry. Convert to a terminal failure when the budget is gone.
		if attempt > ceiling {
			attemptResult.Outcome = checkpoint.OutcomeFailed
			attemptResult.Diagnostics = append(attemptResult.Diagnostics,
				fmt.Sprintf("retry budget exhausted after %d attempts", attempt))
			result.Attempts = append(result.Attempts, attemptResult)
			logger.Error(
				"stage retries exhausted",
				logging.String(logging.FieldEventType, "stage_failure"),
				logging.Int("attempt", attempt),
				logging.Int("retry_ceiling", ceiling),
			)
			return result, nil
		}

		result.Attempts = append(result.Attempts, attemptResult)
		feedback = retryFeedback(attemptResult)
		logger.Warn(
			"stage retrying",
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Int("attempt", attempt),
			logging.String("feedback", feedback),
		)
	}

	return result, nil
}

func applyError(result checkpoint.StageResult, err error) checkpoint.StageResult {
	details := strings.TrimSpace(err.Error())
	if details != "" {
		result.Diagnostics = append(result.Diagnostics, details)
	}
	if services.IsFatal(err) {
		result.Outcome = checkpoint.OutcomeFailed
		return result
	}
	if result.Outcome != checkpoint.OutcomeFailed {
		result.Outcome = checkpoint.OutcomeNeedsRetry
	}
	return result
}

func retryFeedback(result checkpoint.StageResult) string {
	if len(result.Diagnostics) > 0 {
		return strings.Join(result.Diagnostics, "; ")
	}
	return fmt.Sprintf("attempt %d was rejected without diagnostics", result.AttemptNumber)
}
