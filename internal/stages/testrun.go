package stages

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// TestRun executes the configured external test command against the checker
// draft. A failing run reports needs_retry so a flaky harness gets another
// chance within the configured budget.
type TestRun struct {
	cfg *config.Config
}

// NewTestRun constructs the test execution stage.
func NewTestRun(cfg *config.Config) *TestRun {
	return &TestRun{cfg: cfg}
}

// Execute implements stage.Handler.
func (s *TestRun) Execute(ctx context.Context, req stage.Request) (checkpoint.StageResult, error) {
	var codePayload CodePayload
	if err := decodePayload(req.Item, StageSelfCheck, &codePayload); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageTestRun, "load draft", "", err)
	}

	command := strings.TrimSpace(s.cfg.Pipeline.TestCommand)
	if command == "" {
		payload, err := encodePayload(codePayload)
		if err != nil {
			return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageTestRun, "encode", "", err)
		}
		return checkpoint.StageResult{
			Outcome:     checkpoint.OutcomeSuccess,
			Payload:     payload,
			Diagnostics: []string{"no test command configured, run skipped"},
		}, nil
	}

	timeout := time.Duration(s.cfg.Pipeline.TestTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(command)
	args := append(parts[1:], codePayload.CodePath)
	cmd := exec.CommandContext(runCtx, parts[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		diagnostics := []string{fmt.Sprintf("test command %q failed: %v", command, err)}
		if trimmed := strings.TrimSpace(string(output)); trimmed != "" {
			diagnostics = append(diagnostics, truncateOutput(trimmed))
		}
		if runCtx.Err() == context.DeadlineExceeded {
			diagnostics = append(diagnostics, fmt.Sprintf("run exceeded %s timeout", timeout))
		}
		return checkpoint.StageResult{
			Outcome:     checkpoint.OutcomeNeedsRetry,
			Diagnostics: diagnostics,
		}, nil
	}

	payload, err := encodePayload(codePayload)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageTestRun, "encode", "", err)
	}
	return checkpoint.StageResult{
		Outcome:     checkpoint.OutcomeSuccess,
		Payload:     payload,
		Diagnostics: []string{fmt.Sprintf("test command %q passed", command)},
	}, nil
}

func truncateOutput(output string) string {
	const limit = 2000
	if len(output) <= limit {
		return output
	}
	return output[:limit] + "... (truncated)"
}

// HealthCheck implements stage.Handler.
func (s *TestRun) HealthCheck(context.Context) stage.Health {
	command := strings.TrimSpace(s.cfg.Pipeline.TestCommand)
	if command == "" {
		return stage.Healthy(StageTestRun)
	}
	if _, err := exec.LookPath(strings.Fields(command)[0]); err != nil {
		return stage.Unhealthy(StageTestRun, fmt.Sprintf("test command unavailable: %v", err))
	}
	return stage.Healthy(StageTestRun)
}
