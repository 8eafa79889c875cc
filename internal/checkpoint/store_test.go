package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &Item{
		ID:         "run-001",
		Status:     StatusRunning,
		StageIndex: 2,
		ConfigJSON: `{"target":"clk_check"}`,
		Results: []StageResult{
			{StageIndex: 0, StageName: "intake", Outcome: OutcomeSuccess, AttemptNumber: 1},
			{StageIndex: 1, StageName: "analysis", Outcome: OutcomeNeedsRetry, AttemptNumber: 1, Diagnostics: []string{"missing netlist hierarchy"}},
			{StageIndex: 1, StageName: "analysis", Outcome: OutcomeSuccess, AttemptNumber: 2, Payload: `{"modules":4}`},
		},
	}
	item.SetRetryCount(1, 1)

	if err := store.Put(ctx, item); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "run-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRunning || got.StageIndex != 2 {
		t.Fatalf("unexpected item: %+v", got)
	}
	if len(got.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got.Results))
	}
	if got.Results[1].Diagnostics[0] != "missing netlist hierarchy" {
		t.Fatalf("diagnostics lost: %+v", got.Results[1])
	}
	if got.RetryCount(1) != 1 {
		t.Fatalf("retry count lost: %+v", got.RetryCounts)
	}
	if got.SuccessCount() != got.StageIndex {
		t.Fatalf("stage index %d does not match success count %d", got.StageIndex, got.SuccessCount())
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "no-such-item")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutIsAtomicAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	store, err := OpenPath(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()

	item := &Item{ID: "run-002", Status: StatusRunning, StageIndex: 1,
		Results: []StageResult{{StageIndex: 0, StageName: "intake", Outcome: OutcomeSuccess, AttemptNumber: 1}}}
	if err := store.Put(ctx, item); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPath(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "run-002")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.StageIndex != 1 || len(got.Results) != 1 {
		t.Fatalf("partial checkpoint observed: index=%d results=%d", got.StageIndex, len(got.Results))
	}
}

func TestListFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, seed := range []struct {
		id     string
		status Status
	}{
		{"a", StatusPending},
		{"b", StatusRunning},
		{"c", StatusCompleted},
		{"d", StatusFailed},
	} {
		if err := store.Put(ctx, &Item{ID: seed.id, Status: seed.status}); err != nil {
			t.Fatalf("put %s: %v", seed.id, err)
		}
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 items, got %d", len(all))
	}

	active, err := store.List(ctx, StatusPending, StatusRunning)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active items, got %d", len(active))
	}

	ids, err := store.ListIDs(ctx)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected 4 ids, got %d", len(ids))
	}
}

func TestResultHistorySpansAttemptChains(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Item{
		ID:     "run-003",
		Status: StatusFailed,
		Results: []StageResult{
			{StageIndex: 0, StageName: "intake", Outcome: OutcomeFailed, AttemptNumber: 1},
		},
	}
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("put first attempt: %v", err)
	}

	second := &Item{
		ID:      "run-003",
		Attempt: 2,
		Status:  StatusRunning,
		Results: []StageResult{
			{StageIndex: 0, StageName: "intake", Outcome: OutcomeSuccess, AttemptNumber: 1},
		},
		StageIndex: 1,
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("put second attempt: %v", err)
	}

	got, err := store.Get(ctx, "run-003")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempt != 2 || len(got.Results) != 1 || got.Results[0].Outcome != OutcomeSuccess {
		t.Fatalf("expected fresh attempt chain, got %+v", got)
	}

	history, err := store.ResultHistory(ctx, "run-003")
	if err != nil {
		t.Fatalf("result history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 historical results, got %d", len(history))
	}
}

func TestListStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, &Item{ID: "old", Status: StatusRunning}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, &Item{ID: "done", Status: StatusCompleted}); err != nil {
		t.Fatalf("put: %v", err)
	}

	stale, err := store.ListStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("expected only the running item to be stale, got %+v", stale)
	}

	none, err := store.ListStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no stale items, got %d", len(none))
	}
}

func TestSummaryCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, seed := range []struct {
		id     string
		status Status
	}{
		{"p1", StatusPending},
		{"r1", StatusRunning},
		{"r2", StatusRunning},
		{"w1", StatusAwaitingReview},
		{"c1", StatusCompleted},
	} {
		if err := store.Put(ctx, &Item{ID: seed.id, Status: seed.status}); err != nil {
			t.Fatalf("put %s: %v", seed.id, err)
		}
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 5 || summary.Running != 2 || summary.AwaitingReview != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := ParseStatus(" Awaiting_Review "); !ok || status != StatusAwaitingReview {
		t.Fatalf("expected awaiting_review, got %q ok=%v", status, ok)
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatal("expected bogus status to be rejected")
	}
}

func TestHealthReportsTables(t *testing.T) {
	store := newTestStore(t)
	health := store.Health(context.Background())
	if !health.DatabaseExists || !health.DatabaseReadable {
		t.Fatalf("unexpected health: %+v", health)
	}
	if len(health.MissingTables) != 0 {
		t.Fatalf("missing tables: %v", health.MissingTables)
	}
	if !health.IntegrityCheck {
		t.Fatal("integrity check failed")
	}
}

func TestGetSeesOnlyCommittedPutStates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	consistentItem := func(stages int) *Item {
		item := &Item{ID: "run-snapshot", Attempt: 1, Status: StatusRunning, StageIndex: stages}
		for i := 0; i < stages; i++ {
			item.Results = append(item.Results, StageResult{
				StageIndex:    i,
				StageName:     "stage",
				Outcome:       OutcomeSuccess,
				AttemptNumber: 1,
			})
		}
		return item
	}

	if err := store.Put(ctx, consistentItem(0)); err != nil {
		t.Fatalf("seed put: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 80; n++ {
			if err := store.Put(ctx, consistentItem(n%6)); err != nil {
				t.Errorf("put: %v", err)
				return
			}
		}
	}()

	// Every committed state pairs stage_index with exactly that many
	// successful results, so any mismatch means Get mixed two writes.
	for {
		select {
		case <-done:
			return
		default:
		}
		got, err := store.Get(ctx, "run-snapshot")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.SuccessCount() != got.StageIndex {
			t.Fatalf("mixed read: stage_index=%d but %d successful results", got.StageIndex, got.SuccessCount())
		}
	}
}
