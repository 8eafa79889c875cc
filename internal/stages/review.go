package stages

import (
	"context"

	"checkforge/internal/checkpoint"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// Review assembles the review packet a human inspects before packaging. The
// pipeline pauses after this stage succeeds; approval arrives through the
// engine's save and advance operations.
type Review struct{}

// NewReview constructs the review stage.
func NewReview() *Review {
	return &Review{}
}

// ReviewPacket is the payload presented to the reviewer. Edits saved during
// review are merged into it.
type ReviewPacket struct {
	CodePath string `json:"code_path"`
	Language string `json:"language"`
	Summary  string `json:"summary,omitempty"`
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

// Execute implements stage.Handler.
func (s *Review) Execute(_ context.Context, req stage.Request) (checkpoint.StageResult, error) {
	var codePayload CodePayload
	if err := decodePayload(req.Item, StageTestRun, &codePayload); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageReview, "load draft", "", err)
	}

	payload, err := encodePayload(ReviewPacket{
		CodePath: codePayload.CodePath,
		Language: codePayload.Language,
		Summary:  codePayload.Summary,
	})
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageReview, "encode", "", err)
	}
	return checkpoint.StageResult{
		Outcome:     checkpoint.OutcomeSuccess,
		Payload:     payload,
		Diagnostics: []string{"review packet prepared"},
	}, nil
}

// HealthCheck implements stage.Handler.
func (s *Review) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(StageReview)
}
