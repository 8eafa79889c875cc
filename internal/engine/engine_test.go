package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/logging"
	"checkforge/internal/metrics"
	"checkforge/internal/progress"
	"checkforge/internal/stage"
)

type fakeHandler struct {
	mu       sync.Mutex
	name     string
	outcomes []checkpoint.Outcome
	calls    int
	block    chan struct{}
	started  chan struct{}
}

func (h *fakeHandler) Execute(_ context.Context, req stage.Request) (checkpoint.StageResult, error) {
	h.mu.Lock()
	idx := h.calls
	h.calls++
	block := h.block
	started := h.started
	h.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	outcome := checkpoint.OutcomeSuccess
	if idx < len(h.outcomes) {
		outcome = h.outcomes[idx]
	}
	return checkpoint.StageResult{
		Outcome: outcome,
		Payload: `{"stage":"` + h.name + `"}`,
	}, nil
}

func (h *fakeHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(h.name)
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type testEnv struct {
	engine      *Engine
	store       *checkpoint.Store
	broadcaster *progress.Broadcaster
}

func newTestEnv(t *testing.T, definitions ...stage.Definition) *testEnv {
	t.Helper()
	store, err := checkpoint.OpenPath(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := stage.NewRegistry(definitions...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	broadcaster := progress.NewBroadcaster(128)
	t.Cleanup(broadcaster.Close)

	cfg := config.Default()
	cfg.Pipeline.StaleAfterSeconds = 1800

	return &testEnv{
		engine:      New(&cfg, store, registry, broadcaster, logging.NewNop()),
		store:       store,
		broadcaster: broadcaster,
	}
}

func threeStageEnv(t *testing.T, generate *fakeHandler) *testEnv {
	t.Helper()
	if generate == nil {
		generate = &fakeHandler{name: "generate"}
	}
	return newTestEnv(t,
		stage.Definition{Index: 0, Name: "analyze", Handler: &fakeHandler{name: "analyze"}},
		stage.Definition{Index: 1, Name: "generate", Handler: generate, Retryable: true, MaxRetries: 2},
		stage.Definition{Index: 2, Name: "package", Handler: &fakeHandler{name: "package"}, ReviewGated: true},
	)
}

func mustAdvance(t *testing.T, env *testEnv, itemID string) *checkpoint.Item {
	t.Helper()
	item, err := env.engine.Advance(context.Background(), itemID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return item
}

func checkIndexInvariant(t *testing.T, item *checkpoint.Item) {
	t.Helper()
	if item.StageIndex != item.SuccessCount() {
		t.Fatalf("stage_index %d does not equal success count %d", item.StageIndex, item.SuccessCount())
	}
}

func TestThreeStageScenario(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	item, err := env.engine.Start(ctx, "A1", `{"target":"clk"}`)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if item.Status != checkpoint.StatusPending {
		t.Fatalf("expected pending after start, got %s", item.Status)
	}

	item = mustAdvance(t, env, "A1")
	if item.StageIndex != 1 || item.Status != checkpoint.StatusRunning {
		t.Fatalf("after stage 0: index=%d status=%s", item.StageIndex, item.Status)
	}
	checkIndexInvariant(t, item)

	item = mustAdvance(t, env, "A1")
	if item.StageIndex != 2 || item.Status != checkpoint.StatusRunning {
		t.Fatalf("after stage 1: index=%d status=%s", item.StageIndex, item.Status)
	}
	checkIndexInvariant(t, item)

	// Stage 2 is review-gated.
	item = mustAdvance(t, env, "A1")
	if item.StageIndex != 3 || item.Status != checkpoint.StatusAwaitingReview {
		t.Fatalf("after stage 2: index=%d status=%s", item.StageIndex, item.Status)
	}
	checkIndexInvariant(t, item)

	saved, err := env.engine.Save(ctx, "A1", `{"approved":true}`)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.StageIndex != 3 {
		t.Fatalf("save must not advance stage index, got %d", saved.StageIndex)
	}
	last := saved.Results[len(saved.Results)-1]
	if !strings.Contains(last.Payload, `"approved":true`) {
		t.Fatalf("edits not merged into payload: %s", last.Payload)
	}

	item = mustAdvance(t, env, "A1")
	if item.Status != checkpoint.StatusCompleted || item.StageIndex != 3 {
		t.Fatalf("after final advance: index=%d status=%s", item.StageIndex, item.Status)
	}
	checkIndexInvariant(t, item)
}

func TestAdvanceOnTerminalItemIsIdempotent(t *testing.T) {
	env := newTestEnv(t,
		stage.Definition{Index: 0, Name: "only", Handler: &fakeHandler{name: "only"}},
	)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := mustAdvance(t, env, "A1")
	if first.Status != checkpoint.StatusCompleted {
		t.Fatalf("expected completed, got %s", first.Status)
	}

	sub := env.broadcaster.Subscribe("A1")
	defer env.broadcaster.Unsubscribe(sub)

	second := mustAdvance(t, env, "A1")
	if second.Status != first.Status || second.StageIndex != first.StageIndex ||
		len(second.Results) != len(first.Results) || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("terminal advance mutated state: %+v vs %+v", second, first)
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("terminal advance must not publish, got %+v", evt)
	default:
	}
}

func TestRetryExhaustionFailsItemWithFullAudit(t *testing.T) {
	generate := &fakeHandler{
		name: "generate",
		outcomes: []checkpoint.Outcome{
			checkpoint.OutcomeNeedsRetry,
			checkpoint.OutcomeNeedsRetry,
			checkpoint.OutcomeNeedsRetry,
		},
	}
	env := threeStageEnv(t, generate)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustAdvance(t, env, "A1")

	item := mustAdvance(t, env, "A1")
	if item.Status != checkpoint.StatusFailed {
		t.Fatalf("expected failed after exhaustion, got %s", item.Status)
	}

	var generateResults []checkpoint.StageResult
	for _, result := range item.Results {
		if result.StageName == "generate" {
			generateResults = append(generateResults, result)
		}
	}
	if len(generateResults) != 3 {
		t.Fatalf("expected max_retries+1 = 3 generate entries, got %d", len(generateResults))
	}
	if generateResults[2].Outcome != checkpoint.OutcomeFailed {
		t.Fatalf("final entry should be failed, got %s", generateResults[2].Outcome)
	}
	if item.RetryCount(1) != 2 {
		t.Fatalf("expected 2 consumed retries, got %d", item.RetryCount(1))
	}
	checkIndexInvariant(t, item)

	// A failed item stays inspectable but does not resume.
	again := mustAdvance(t, env, "A1")
	if again.Status != checkpoint.StatusFailed || len(again.Results) != len(item.Results) {
		t.Fatalf("failed item must not resume: %+v", again)
	}
}

func TestSaveOutsideReviewFailsWithInvalidState(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	before, err := env.engine.GetState(ctx, "A1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}

	_, err = env.engine.Save(ctx, "A1", `{"approved":true}`)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	after, err := env.engine.GetState(ctx, "A1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if after.Status != before.Status || len(after.Results) != len(before.Results) {
		t.Fatalf("failed save mutated state: %+v", after)
	}
}

func TestCancelWhileRunning(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustAdvance(t, env, "A1")

	item, err := env.engine.Cancel(ctx, "A1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if item.Status != checkpoint.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", item.Status)
	}

	after := mustAdvance(t, env, "A1")
	if after.Status != checkpoint.StatusCancelled || after.StageIndex != item.StageIndex {
		t.Fatalf("advance after cancel must be a no-op: %+v", after)
	}
}

func TestCancelObservedMidStageAtLoopBoundary(t *testing.T) {
	generate := &fakeHandler{
		name:     "generate",
		outcomes: []checkpoint.Outcome{checkpoint.OutcomeNeedsRetry, checkpoint.OutcomeSuccess},
		block:    make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	env := threeStageEnv(t, generate)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustAdvance(t, env, "A1")

	type advanceResult struct {
		item *checkpoint.Item
		err  error
	}
	results := make(chan advanceResult, 1)
	go func() {
		item, err := env.engine.Advance(ctx, "A1")
		results <- advanceResult{item: item, err: err}
	}()

	// Wait until the first generate attempt is in flight, then cancel. The
	// cancel call blocks on the per-item lock until advance finishes.
	<-generate.started
	cancelled := make(chan advanceResult, 1)
	go func() {
		item, err := env.engine.Cancel(ctx, "A1")
		cancelled <- advanceResult{item: item, err: err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(generate.block)

	res := <-results
	if res.err != nil {
		t.Fatalf("advance: %v", res.err)
	}
	if res.item.Status != checkpoint.StatusCancelled {
		t.Fatalf("expected cancellation at retry boundary, got %s", res.item.Status)
	}
	if generate.callCount() != 1 {
		t.Fatalf("expected retry loop abandoned after first attempt, got %d calls", generate.callCount())
	}

	cres := <-cancelled
	if cres.err != nil {
		t.Fatalf("cancel: %v", cres.err)
	}
	if cres.item.Status != checkpoint.StatusCancelled {
		t.Fatalf("cancel should observe terminal state, got %s", cres.item.Status)
	}
}

func TestPersistHappensBeforePublish(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	sub := env.broadcaster.Subscribe("A1")
	defer env.broadcaster.Unsubscribe(sub)

	mustAdvance(t, env, "A1")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.Events():
			stored, err := env.store.Get(ctx, "A1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			// Any observed event reflects an already persisted transition,
			// so the store can never be behind the event stream.
			if evt.StageIndex > stored.StageIndex {
				t.Fatalf("event stage %d ahead of store %d", evt.StageIndex, stored.StageIndex)
			}
			if evt.Status == checkpoint.StatusRunning && evt.StageIndex == 1 {
				return
			}
		case <-deadline:
			t.Fatal("expected progress events for advance")
		}
	}
}

func TestRunAdvancesUntilReviewPause(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	item, err := env.engine.Run(ctx, "A1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if item.Status != checkpoint.StatusAwaitingReview || item.StageIndex != 3 {
		t.Fatalf("run should pause at review gate: index=%d status=%s", item.StageIndex, item.Status)
	}
}

func TestResetCreatesFreshAttemptChain(t *testing.T) {
	generate := &fakeHandler{
		name: "generate",
		outcomes: []checkpoint.Outcome{
			checkpoint.OutcomeNeedsRetry,
			checkpoint.OutcomeNeedsRetry,
			checkpoint.OutcomeNeedsRetry,
		},
	}
	env := threeStageEnv(t, generate)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustAdvance(t, env, "A1")
	failed := mustAdvance(t, env, "A1")
	if failed.Status != checkpoint.StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}

	// Reset is only valid for terminal items.
	if _, err := env.engine.Reset(ctx, "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	reset, err := env.engine.Reset(ctx, "A1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Attempt != 2 || reset.StageIndex != 0 || reset.Status != checkpoint.StatusPending || len(reset.Results) != 0 {
		t.Fatalf("unexpected reset state: %+v", reset)
	}

	history, err := env.engine.ResultHistory(ctx, "A1")
	if err != nil {
		t.Fatalf("result history: %v", err)
	}
	if len(history) != len(failed.Results) {
		t.Fatalf("prior attempt chain lost from history: %d vs %d", len(history), len(failed.Results))
	}
}

func TestResetRejectsActiveItem(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.Reset(ctx, "A1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStartRejectsExistingItem(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Start(ctx, "A1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.engine.Start(ctx, "A1", ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestItemsAdvanceIndependently(t *testing.T) {
	env := threeStageEnv(t, nil)
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3"} {
		if _, err := env.engine.Start(ctx, id, ""); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range []string{"A1", "A2", "A3"} {
		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			if _, err := env.engine.Run(ctx, itemID); err != nil {
				t.Errorf("run %s: %v", itemID, err)
			}
		}(id)
	}
	wg.Wait()

	items, err := env.engine.ListHistory(ctx, checkpoint.StatusAwaitingReview)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected all 3 items awaiting review, got %d", len(items))
	}
	for _, item := range items {
		full, err := env.engine.GetState(ctx, item.ID)
		if err != nil {
			t.Fatalf("get state %s: %v", item.ID, err)
		}
		checkIndexInvariant(t, full)
	}
}

func TestAdvanceCreatesMissingItem(t *testing.T) {
	env := threeStageEnv(t, nil)
	item := mustAdvance(t, env, "fresh")
	if item.StageIndex != 1 || item.Status != checkpoint.StatusRunning {
		t.Fatalf("expected first stage executed for fresh item: %+v", item)
	}
}

func TestActiveItemsGaugeTracksPopulation(t *testing.T) {
	store, err := checkpoint.OpenPath(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := stage.NewRegistry(
		stage.Definition{Index: 0, Name: "only", Handler: &fakeHandler{name: "only"}},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	broadcaster := progress.NewBroadcaster(128)
	t.Cleanup(broadcaster.Close)

	collector := metrics.NewCollector()
	cfg := config.Default()
	engine := New(&cfg, store, registry, broadcaster, logging.NewNop(), WithMetrics(collector))
	ctx := context.Background()

	active := func() float64 { return testutil.ToFloat64(collector.ActiveItems) }

	if _, err := engine.Start(ctx, "g-1", ""); err != nil {
		t.Fatalf("start g-1: %v", err)
	}
	if _, err := engine.Start(ctx, "g-2", ""); err != nil {
		t.Fatalf("start g-2: %v", err)
	}
	if got := active(); got != 2 {
		t.Fatalf("expected 2 active items after starts, got %v", got)
	}

	if _, err := engine.Run(ctx, "g-1"); err != nil {
		t.Fatalf("run g-1: %v", err)
	}
	if got := active(); got != 1 {
		t.Fatalf("expected 1 active item after completion, got %v", got)
	}

	if _, err := engine.Cancel(ctx, "g-2"); err != nil {
		t.Fatalf("cancel g-2: %v", err)
	}
	if got := active(); got != 0 {
		t.Fatalf("expected 0 active items after cancel, got %v", got)
	}

	// Terminal no-ops must not move the gauge.
	if _, err := engine.Cancel(ctx, "g-2"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if _, err := engine.Advance(ctx, "g-1"); err != nil {
		t.Fatalf("advance terminal: %v", err)
	}
	if got := active(); got != 0 {
		t.Fatalf("expected gauge unchanged by terminal no-ops, got %v", got)
	}

	if _, err := engine.Reset(ctx, "g-2"); err != nil {
		t.Fatalf("reset g-2: %v", err)
	}
	if got := active(); got != 1 {
		t.Fatalf("expected 1 active item after reset, got %v", got)
	}
}
