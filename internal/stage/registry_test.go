package stage

import (
	"context"
	"testing"

	"checkforge/internal/checkpoint"
)

type nopHandler struct{ name string }

func (h nopHandler) Execute(_ context.Context, req Request) (checkpoint.StageResult, error) {
	return checkpoint.StageResult{
		StageIndex:    req.Item.StageIndex,
		StageName:     h.name,
		Outcome:       checkpoint.OutcomeSuccess,
		AttemptNumber: req.AttemptNumber,
	}, nil
}

func (h nopHandler) HealthCheck(context.Context) Health {
	return Healthy(h.name)
}

func TestNewRegistryValidatesOrdering(t *testing.T) {
	_, err := NewRegistry(
		Definition{Index: 0, Name: "intake", Handler: nopHandler{"intake"}},
		Definition{Index: 2, Name: "analysis", Handler: nopHandler{"analysis"}},
	)
	if err == nil {
		t.Fatal("expected error for out-of-order indexes")
	}
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(
		Definition{Index: 0, Name: "intake", Handler: nopHandler{"intake"}},
		Definition{Index: 1, Name: "intake", Handler: nopHandler{"intake"}},
	)
	if err == nil {
		t.Fatal("expected error for duplicate names")
	}
}

func TestRegistryLookups(t *testing.T) {
	registry, err := NewRegistry(
		Definition{Index: 0, Name: "intake", Handler: nopHandler{"intake"}},
		Definition{Index: 1, Name: "codegen", Handler: nopHandler{"codegen"}, Retryable: true, MaxRetries: 2},
		Definition{Index: 2, Name: "review", Handler: nopHandler{"review"}, ReviewGated: true},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if registry.Len() != 3 {
		t.Fatalf("expected 3 stages, got %d", registry.Len())
	}

	def, ok := registry.ByIndex(1)
	if !ok || def.Name != "codegen" {
		t.Fatalf("unexpected stage at index 1: %+v", def)
	}
	if def.RetryCeiling() != 2 {
		t.Fatalf("expected retry ceiling 2, got %d", def.RetryCeiling())
	}

	def, ok = registry.ByName("review")
	if !ok || !def.ReviewGated {
		t.Fatalf("unexpected review stage: %+v", def)
	}

	if _, ok := registry.ByIndex(7); ok {
		t.Fatal("expected miss for out-of-range index")
	}
	if _, ok := registry.ByName("missing"); ok {
		t.Fatal("expected miss for unknown name")
	}
}

func TestRetryCeilingZeroForNonRetryable(t *testing.T) {
	def := Definition{Index: 0, Name: "persist", Handler: nopHandler{"persist"}, MaxRetries: 5}
	if def.RetryCeiling() != 0 {
		t.Fatalf("non-retryable stage must have zero ceiling, got %d", def.RetryCeiling())
	}
}

func TestHealthCheckProbesAllStages(t *testing.T) {
	registry, err := NewRegistry(
		Definition{Index: 0, Name: "intake", Handler: nopHandler{"intake"}},
		Definition{Index: 1, Name: "codegen", Handler: nopHandler{"codegen"}},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	checks := registry.HealthCheck(context.Background())
	if len(checks) != 2 || !checks[0].Ready || checks[1].Name != "codegen" {
		t.Fatalf("unexpected health checks: %+v", checks)
	}
}
