package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/services"
	"checkforge/internal/services/llm"
	"checkforge/internal/stage"
)

// Codegen generates the checker source and writes it into the item's work
// directory. Rejected drafts come back through the retry loop with feedback.
type Codegen struct {
	cfg   *config.Config
	model CheckerModel
}

// NewCodegen constructs the code generation stage.
func NewCodegen(cfg *config.Config, model CheckerModel) *Codegen {
	return &Codegen{cfg: cfg, model: model}
}

// Execute implements stage.Handler.
func (s *Codegen) Execute(ctx context.Context, req stage.Request) (checkpoint.StageResult, error) {
	var itemCfg ItemConfig
	if err := decodePayload(req.Item, StageIntake, &itemCfg); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageCodegen, "load config", "", err)
	}
	var analysis llm.Analysis
	if err := decodePayload(req.Item, StageAnalysis, &analysis); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageCodegen, "load analysis", "", err)
	}

	request := buildGenerationRequest(itemCfg, analysis)
	draft, err := s.model.GenerateChecker(ctx, request, req.Feedback)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StageCodegen, "generate",
			"checker generation request failed", err)
	}
	if draft.Language == "" {
		draft.Language = itemCfg.Language
	}

	codePath, err := s.writeDraft(req.Item.ID, draft)
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StageCodegen, "write draft", "", err)
	}

	payload, err := encodePayload(CodePayload{
		CodePath: codePath,
		Language: draft.Language,
		Summary:  draft.Summary,
	})
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StageCodegen, "encode", "", err)
	}

	diagnostics := make([]string, 0, len(draft.Caveats)+1)
	diagnostics = append(diagnostics, fmt.Sprintf("draft written to %s", codePath))
	diagnostics = append(diagnostics, draft.Caveats...)
	return checkpoint.StageResult{
		Outcome:     checkpoint.OutcomeSuccess,
		Payload:     payload,
		Diagnostics: diagnostics,
	}, nil
}

func (s *Codegen) writeDraft(itemID string, draft llm.CheckerDraft) (string, error) {
	dir := s.cfg.ItemWorkDir(itemID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create item work dir: %w", err)
	}
	codePath := filepath.Join(dir, "checker"+extensionFor(draft.Language))
	if err := os.WriteFile(codePath, []byte(draft.Code), 0o644); err != nil {
		return "", fmt.Errorf("write checker draft: %w", err)
	}
	return codePath, nil
}

func buildGenerationRequest(cfg ItemConfig, analysis llm.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\nLanguage: %s\n\n%s\n", cfg.Target, cfg.Language, cfg.Description)
	if analysis.Summary != "" {
		fmt.Fprintf(&b, "\nAnalysis summary:\n%s\n", analysis.Summary)
	}
	if len(analysis.Signals) > 0 {
		fmt.Fprintf(&b, "\nSignals:\n- %s\n", strings.Join(analysis.Signals, "\n- "))
	}
	if len(analysis.Assertions) > 0 {
		fmt.Fprintf(&b, "\nProperties to check:\n- %s\n", strings.Join(analysis.Assertions, "\n- "))
	}
	return b.String()
}

func extensionFor(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "systemverilog", "verilog":
		return ".sv"
	case "python":
		return ".py"
	case "tcl":
		return ".tcl"
	default:
		return ".txt"
	}
}

// HealthCheck implements stage.Handler.
func (s *Codegen) HealthCheck(ctx context.Context) stage.Health {
	if err := s.model.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(StageCodegen, err.Error())
	}
	return stage.Healthy(StageCodegen)
}
