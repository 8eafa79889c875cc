package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/services/llm"
	"checkforge/internal/stage"
)

// Stage names in pipeline order.
const (
	StageIntake    = "intake"
	StageAnalysis  = "analysis"
	StageCodegen   = "codegen"
	StageSelfCheck = "selfcheck"
	StageTestRun   = "testrun"
	StageReview    = "review"
	StagePackaging = "packaging"
)

// CheckerModel is the slice of the completion client the pipeline needs.
type CheckerModel interface {
	AnalyzeInputs(ctx context.Context, description string) (llm.Analysis, error)
	GenerateChecker(ctx context.Context, request, feedback string) (llm.CheckerDraft, error)
	FixChecker(ctx context.Context, code string, issues []string) (llm.CheckerDraft, error)
	HealthCheck(ctx context.Context) error
}

// ItemConfig is the normalized intake configuration for one generation run.
type ItemConfig struct {
	Target      string `json:"target"`
	Description string `json:"description"`
	Language    string `json:"language,omitempty"`
}

// CodePayload records where a generated checker draft lives.
type CodePayload struct {
	CodePath string `json:"code_path"`
	Language string `json:"language"`
	Summary  string `json:"summary,omitempty"`
}

// BuildRegistry wires the full checker generation pipeline.
func BuildRegistry(cfg *config.Config, model CheckerModel) (*stage.Registry, error) {
	return stage.NewRegistry(
		stage.Definition{Index: 0, Name: StageIntake, Handler: NewIntake()},
		stage.Definition{Index: 1, Name: StageAnalysis, Handler: NewAnalysis(model),
			Retryable: true, MaxRetries: 1},
		stage.Definition{Index: 2, Name: StageCodegen, Handler: NewCodegen(cfg, model),
			Retryable: true, MaxRetries: cfg.Pipeline.MaxFixAttempts},
		stage.Definition{Index: 3, Name: StageSelfCheck, Handler: NewSelfCheck(cfg, model),
			Retryable: true, MaxRetries: cfg.Pipeline.MaxFixAttempts},
		stage.Definition{Index: 4, Name: StageTestRun, Handler: NewTestRun(cfg),
			Retryable: true, MaxRetries: cfg.Pipeline.TestRetries},
		stage.Definition{Index: 5, Name: StageReview, Handler: NewReview(),
			ReviewGated: true},
		stage.Definition{Index: 6, Name: StagePackaging, Handler: NewPackaging(cfg)},
	)
}

// payloadFor returns the payload of the latest successful result recorded by
// the named stage.
func payloadFor(item *checkpoint.Item, stageName string) (string, bool) {
	for i := len(item.Results) - 1; i >= 0; i-- {
		result := item.Results[i]
		if result.StageName == stageName && result.Outcome == checkpoint.OutcomeSuccess {
			return result.Payload, true
		}
	}
	return "", false
}

func decodePayload(item *checkpoint.Item, stageName string, target any) error {
	payload, ok := payloadFor(item, stageName)
	if !ok {
		return fmt.Errorf("no successful %s result recorded", stageName)
	}
	if err := json.Unmarshal([]byte(payload), target); err != nil {
		return fmt.Errorf("decode %s payload: %w", stageName, err)
	}
	return nil
}

func encodePayload(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), nil
}
