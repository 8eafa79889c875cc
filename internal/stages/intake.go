package stages

import (
	"context"
	"encoding/json"
	"strings"

	"checkforge/internal/checkpoint"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// Intake validates the item's initial configuration and normalizes it for
// the rest of the pipeline. Invalid configuration is a fatal failure; there
// is nothing to retry.
type Intake struct{}

// NewIntake constructs the intake stage.
func NewIntake() *Intake {
	return &Intake{}
}

// Execute implements stage.Handler.
func (s *Intake) Execute(_ context.Context, req stage.Request) (checkpoint.StageResult, error) {
	raw := strings.TrimSpace(req.Item.ConfigJSON)
	if raw == "" {
		return checkpoint.StageResult{}, services.Wrap(services.ErrConfiguration, StageIntake, "validate",
			"item has no configuration", nil)
	}

	var cfg ItemConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrConfiguration, StageIntake, "decode",
			"configuration is not valid JSON", err)
	}

	cfg.Target = strings.TrimSpace(cfg.Target)
	cfg.Description = strings.TrimSpace(cfg.Description)
	cfg.Language = strings.ToLower(strings.TrimSpace(cfg.Language))
	if cfg.Target == "" {
		return checkpoint.StageResult{}, services.Wrap(services.ErrConfiguration, StageIntake, "validate",
			"configuration is missing a target", nil)
	}
	if cfg.Description == "" {
		return checkpoint.StageResult{}, services.Wrap(services.ErrConfiguration, StageIntake, "validate",
			"configuration is missing a description", nil)
	}
	if cfg.Language == "" {
		cfg.Language = "systemverilog"
	}

	payload, err := encodePayload(cfg)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageIntake, "encode", "", err)
	}
	return checkpoint.StageResult{
		Outcome: checkpoint.OutcomeSuccess,
		Payload: payload,
	}, nil
}

// HealthCheck implements stage.Handler.
func (s *Intake) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(StageIntake)
}
