package stages

import (
	"context"
	"fmt"
	"os"
	"strings"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// SelfCheck validates the generated draft and, when validation fails, asks
// the model for a corrected version. The corrected draft replaces the file on
// disk and the attempt reports needs_retry so the next loop iteration
// re-validates it.
type SelfCheck struct {
	cfg   *config.Config
	model CheckerModel
}

// NewSelfCheck constructs the self-check stage.
func NewSelfCheck(cfg *config.Config, model CheckerModel) *SelfCheck {
	return &SelfCheck{cfg: cfg, model: model}
}

// Execute implements stage.Handler.
func (s *SelfCheck) Execute(ctx context.Context, req stage.Request) (checkpoint.StageResult, error) {
	var codePayload CodePayload
	if err := decodePayload(req.Item, StageCodegen, &codePayload); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageSelfCheck, "load draft", "", err)
	}
	var itemCfg ItemConfig
	if err := decodePayload(req.Item, StageIntake, &itemCfg); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageSelfCheck, "load config", "", err)
	}

	code, err := os.ReadFile(codePayload.CodePath)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StageSelfCheck, "read draft", "", err)
	}

	issues := validateDraft(string(code), itemCfg)
	if len(issues) == 0 {
		payload, err := encodePayload(codePayload)
		if err != nil {
			return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageSelfCheck, "encode", "", err)
		}
		return checkpoint.StageResult{
			Outcome:     checkpoint.OutcomeSuccess,
			Payload:     payload,
			Diagnostics: []string{"draft passed validation"},
		}, nil
	}

	fixed, err := s.model.FixChecker(ctx, string(code), issues)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StageSelfCheck, "fix",
			"auto-fix request failed", err)
	}
	if err := os.WriteFile(codePayload.CodePath, []byte(fixed.Code), 0o644); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StageSelfCheck, "write fix", "", err)
	}

	diagnostics := make([]string, 0, len(issues)+1)
	diagnostics = append(diagnostics, issues...)
	diagnostics = append(diagnostics, "applied automatic fix, revalidating")
	return checkpoint.StageResult{
		Outcome:     checkpoint.OutcomeNeedsRetry,
		Diagnostics: diagnostics,
	}, nil
}

// validateDraft runs cheap static checks on the generated checker.
func validateDraft(code string, cfg ItemConfig) []string {
	var issues []string
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return []string{"checker is empty"}
	}
	if len(trimmed) < 20 {
		issues = append(issues, "checker is implausibly short")
	}
	if cfg.Target != "" && !strings.Contains(code, cfg.Target) {
		issues = append(issues, fmt.Sprintf("checker never references target %q", cfg.Target))
	}
	for open, closing := range map[string]string{"(": ")", "[": "]", "{": "}"} {
		if strings.Count(code, open) != strings.Count(code, closing) {
			issues = append(issues, fmt.Sprintf("unbalanced %s%s pairs", open, closing))
		}
	}
	return issues
}

// HealthCheck implements stage.Handler.
func (s *SelfCheck) HealthCheck(ctx context.Context) stage.Health {
	if err := s.model.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(StageSelfCheck, err.Error())
	}
	return stage.Healthy(StageSelfCheck)
}
