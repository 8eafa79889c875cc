package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/services"
	"checkforge/internal/services/llm"
	"checkforge/internal/stage"
)

type stubModel struct {
	analysis    llm.Analysis
	analysisErr error
	drafts      []llm.CheckerDraft
	draftIdx    int
	generateErr error
	fixes       []llm.CheckerDraft
	fixIdx      int
	fixErr      error
	fixCalls    int
}

func (m *stubModel) AnalyzeInputs(context.Context, string) (llm.Analysis, error) {
	if m.analysisErr != nil {
		return llm.Analysis{}, m.analysisErr
	}
	return m.analysis, nil
}

func (m *stubModel) GenerateChecker(context.Context, string, string) (llm.CheckerDraft, error) {
	if m.generateErr != nil {
		return llm.CheckerDraft{}, m.generateErr
	}
	if m.draftIdx >= len(m.drafts) {
		return m.drafts[len(m.drafts)-1], nil
	}
	draft := m.drafts[m.draftIdx]
	m.draftIdx++
	return draft, nil
}

func (m *stubModel) FixChecker(context.Context, string, []string) (llm.CheckerDraft, error) {
	m.fixCalls++
	if m.fixErr != nil {
		return llm.CheckerDraft{}, m.fixErr
	}
	if m.fixIdx >= len(m.fixes) {
		return m.fixes[len(m.fixes)-1], nil
	}
	fix := m.fixes[m.fixIdx]
	m.fixIdx++
	return fix, nil
}

func (m *stubModel) HealthCheck(context.Context) error {
	return nil
}

func testStageConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Paths.WorkDir = filepath.Join(dir, "work")
	cfg.Paths.OutputDir = filepath.Join(dir, "output")
	return &cfg
}

const validChecker = "module checker; always @(posedge core_clk) assert(core_clk !== 1'bx); endmodule"

func goodModel() *stubModel {
	return &stubModel{
		analysis: llm.Analysis{
			Summary:    "clock domain summary",
			Signals:    []string{"core_clk"},
			Assertions: []string{"core_clk never goes unknown"},
		},
		drafts: []llm.CheckerDraft{{Code: validChecker, Language: "systemverilog", Summary: "clock checker"}},
		fixes:  []llm.CheckerDraft{{Code: validChecker, Language: "systemverilog"}},
	}
}

func itemWithConfig(configJSON string) *checkpoint.Item {
	return &checkpoint.Item{ID: "run-001", Status: checkpoint.StatusRunning, ConfigJSON: configJSON}
}

func successResult(stageName, payload string) checkpoint.StageResult {
	return checkpoint.StageResult{
		StageName: stageName,
		Outcome:   checkpoint.OutcomeSuccess,
		Payload:   payload,
	}
}

func TestIntakeNormalizesConfig(t *testing.T) {
	item := itemWithConfig(`{"target":" core_clk ","description":"check the clock","language":"SystemVerilog"}`)
	result, err := NewIntake().Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeSuccess {
		t.Fatalf("unexpected outcome %s", result.Outcome)
	}
	if !strings.Contains(result.Payload, `"target":"core_clk"`) {
		t.Fatalf("target not normalized: %s", result.Payload)
	}
	if !strings.Contains(result.Payload, `"language":"systemverilog"`) {
		t.Fatalf("language not normalized: %s", result.Payload)
	}
}

func TestIntakeRejectsMissingTarget(t *testing.T) {
	item := itemWithConfig(`{"description":"check something"}`)
	_, err := NewIntake().Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected fatal configuration error, got %v", err)
	}
}

func TestAnalysisRequiresAssertions(t *testing.T) {
	model := goodModel()
	model.analysis.Assertions = nil

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageIntake, `{"target":"core_clk","description":"d","language":"systemverilog"}`),
	}
	result, err := NewAnalysis(model).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeNeedsRetry {
		t.Fatalf("expected needs_retry for empty assertions, got %s", result.Outcome)
	}
}

func TestCodegenWritesDraftToWorkDir(t *testing.T) {
	cfg := testStageConfig(t)
	model := goodModel()

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageIntake, `{"target":"core_clk","description":"d","language":"systemverilog"}`),
		successResult(StageAnalysis, `{"summary":"s","signals":["core_clk"],"assertions":["a"]}`),
	}
	result, err := NewCodegen(cfg, model).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("codegen: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeSuccess {
		t.Fatalf("unexpected outcome %s", result.Outcome)
	}

	var payload CodePayload
	if decodeErr := decodePayload(&checkpoint.Item{Results: []checkpoint.StageResult{{
		StageName: StageCodegen, Outcome: checkpoint.OutcomeSuccess, Payload: result.Payload,
	}}}, StageCodegen, &payload); decodeErr != nil {
		t.Fatalf("decode payload: %v", decodeErr)
	}
	if !strings.HasSuffix(payload.CodePath, ".sv") {
		t.Fatalf("expected .sv extension, got %s", payload.CodePath)
	}
	code, err := os.ReadFile(payload.CodePath)
	if err != nil {
		t.Fatalf("read draft: %v", err)
	}
	if string(code) != validChecker {
		t.Fatalf("draft content mismatch: %s", code)
	}
}

func TestSelfCheckPassesValidDraft(t *testing.T) {
	cfg := testStageConfig(t)
	codePath := filepath.Join(t.TempDir(), "checker.sv")
	if err := os.WriteFile(codePath, []byte(validChecker), 0o644); err != nil {
		t.Fatal(err)
	}

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageIntake, `{"target":"core_clk","description":"d","language":"systemverilog"}`),
		successResult(StageCodegen, `{"code_path":"`+codePath+`","language":"systemverilog"}`),
	}
	model := goodModel()
	result, err := NewSelfCheck(cfg, model).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("selfcheck: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeSuccess {
		t.Fatalf("expected success, got %s: %v", result.Outcome, result.Diagnostics)
	}
	if model.fixCalls != 0 {
		t.Fatalf("valid draft must not trigger a fix, got %d calls", model.fixCalls)
	}
}

func TestSelfCheckFixesInvalidDraftThenRetries(t *testing.T) {
	cfg := testStageConfig(t)
	codePath := filepath.Join(t.TempDir(), "checker.sv")
	if err := os.WriteFile(codePath, []byte("module broken(; endmodule"), 0o644); err != nil {
		t.Fatal(err)
	}

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageIntake, `{"target":"core_clk","description":"d","language":"systemverilog"}`),
		successResult(StageCodegen, `{"code_path":"`+codePath+`","language":"systemverilog"}`),
	}
	model := goodModel()
	result, err := NewSelfCheck(cfg, model).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("selfcheck: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeNeedsRetry {
		t.Fatalf("expected needs_retry, got %s", result.Outcome)
	}
	if model.fixCalls != 1 {
		t.Fatalf("expected one fix call, got %d", model.fixCalls)
	}

	fixed, err := os.ReadFile(codePath)
	if err != nil {
		t.Fatalf("read fixed draft: %v", err)
	}
	if string(fixed) != validChecker {
		t.Fatalf("fix not written to disk: %s", fixed)
	}
}

func TestTestRunSkipsWithoutCommand(t *testing.T) {
	cfg := testStageConfig(t)
	cfg.Pipeline.TestCommand = ""

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageSelfCheck, `{"code_path":"/tmp/checker.sv","language":"systemverilog"}`),
	}
	result, err := NewTestRun(cfg).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("testrun: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeSuccess {
		t.Fatalf("expected success for skipped run, got %s", result.Outcome)
	}
}

func TestTestRunReportsFailureAsRetryable(t *testing.T) {
	cfg := testStageConfig(t)
	cfg.Pipeline.TestCommand = "false"

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageSelfCheck, `{"code_path":"/tmp/checker.sv","language":"systemverilog"}`),
	}
	result, err := NewTestRun(cfg).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("testrun: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeNeedsRetry {
		t.Fatalf("expected needs_retry for failing command, got %s", result.Outcome)
	}
}

func TestPackagingWritesBundleAndManifest(t *testing.T) {
	cfg := testStageConfig(t)
	codePath := filepath.Join(t.TempDir(), "checker.sv")
	if err := os.WriteFile(codePath, []byte(validChecker), 0o644); err != nil {
		t.Fatal(err)
	}

	item := itemWithConfig("")
	item.Results = []checkpoint.StageResult{
		successResult(StageReview, `{"code_path":"`+codePath+`","language":"systemverilog","approved":true}`),
	}
	result, err := NewPackaging(cfg).Execute(context.Background(), stage.Request{Item: item, AttemptNumber: 1})
	if err != nil {
		t.Fatalf("packaging: %v", err)
	}
	if result.Outcome != checkpoint.OutcomeSuccess {
		t.Fatalf("unexpected outcome %s", result.Outcome)
	}

	bundleDir := filepath.Join(cfg.Paths.OutputDir, "run-001")
	if _, err := os.Stat(filepath.Join(bundleDir, "checker.sv")); err != nil {
		t.Fatalf("checker not copied into bundle: %v", err)
	}
	manifest, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json"))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	if !strings.Contains(string(manifest), `"item_id": "run-001"`) {
		t.Fatalf("unexpected manifest: %s", manifest)
	}
}

func TestBuildRegistryOrdersPipeline(t *testing.T) {
	cfg := testStageConfig(t)
	registry, err := BuildRegistry(cfg, goodModel())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if registry.Len() != 7 {
		t.Fatalf("expected 7 stages, got %d", registry.Len())
	}
	review, ok := registry.ByName(StageReview)
	if !ok || !review.ReviewGated {
		t.Fatalf("review stage misconfigured: %+v", review)
	}
	codegen, ok := registry.ByName(StageCodegen)
	if !ok || codegen.RetryCeiling() != cfg.Pipeline.MaxFixAttempts {
		t.Fatalf("codegen retry budget misconfigured: %+v", codegen)
	}
	packaging, ok := registry.ByIndex(6)
	if !ok || packaging.Retryable {
		t.Fatalf("packaging must not be retryable: %+v", packaging)
	}
}
