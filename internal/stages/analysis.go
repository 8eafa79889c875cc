package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"checkforge/internal/checkpoint"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// Analysis asks the model to summarize the design inputs before generation.
type Analysis struct {
	model CheckerModel
}

// NewAnalysis constructs the analysis stage.
func NewAnalysis(model CheckerModel) *Analysis {
	return &Analysis{model: model}
}

// Execute implements stage.Handler.
func (s *Analysis) Execute(ctx context.Context, req stage.Request) (checkpoint.StageResult, error) {
	var cfg ItemConfig
	if err := decodePayload(req.Item, StageIntake, &cfg); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageAnalysis, "load config", "", err)
	}

	description := fmt.Sprintf("Target: %s\nLanguage: %s\n\n%s", cfg.Target, cfg.Language, cfg.Description)
	if req.Feedback != "" {
		description += "\n\nA previous analysis was rejected: " + req.Feedback
	}

	analysis, err := s.model.AnalyzeInputs(ctx, description)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StageAnalysis, "analyze",
			"input analysis request failed", err)
	}
	if len(analysis.Assertions) == 0 {
		return checkpoint.StageResult{
			Outcome:     checkpoint.OutcomeNeedsRetry,
			Diagnostics: []string{"analysis produced no assertions to check"},
		}, nil
	}

	payload, err := json.Marshal(analysis)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageAnalysis, "encode", "", err)
	}
	return checkpoint.StageResult{
		Outcome: checkpoint.OutcomeSuccess,
		Payload: string(payload),
		Diagnostics: []string{
			fmt.Sprintf("identified %d signals and %d assertions", len(analysis.Signals), len(analysis.Assertions)),
		},
	}, nil
}

// HealthCheck implements stage.Handler.
func (s *Analysis) HealthCheck(ctx context.Context) stage.Health {
	if err := s.model.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(StageAnalysis, err.Error())
	}
	return stage.Healthy(StageAnalysis)
}
