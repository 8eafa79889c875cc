package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStageExecution marks a transient stage failure, eligible for retry
	// within the stage's configured budget.
	ErrStageExecution = errors.New("stage execution error")
	// ErrStageFatal marks a non-retryable stage failure. The workflow engine
	// moves the item to failed without consuming further attempts.
	ErrStageFatal = errors.New("stage fatal error")
	// ErrConfiguration marks a stage that cannot run because of missing or
	// invalid configuration. Treated as fatal.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalTool marks a failure in an external collaborator (LLM
	// service, test runner). Treated as transient.
	ErrExternalTool = errors.New("external tool error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrStageExecution
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStageFatal) || errors.Is(err, ErrConfiguration)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
