package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"checkforge/internal/checkpoint"
	"checkforge/internal/logging"
	"checkforge/internal/services"
	"checkforge/internal/stage"
	"checkforge/internal/stageexec"
)

// Start creates a new generation item in the pending state. Starting an id
// that already has a checkpoint is an invalid-state error; terminal items are
// restarted through Reset instead.
func (e *Engine) Start(ctx context.Context, itemID, configJSON string) (*checkpoint.Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, fmt.Errorf("item id is empty")
	}
	state := e.locks.get(itemID)
	state.mu.Lock()
	defer state.mu.Unlock()

	existing, err := e.store.Get(ctx, itemID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: item %s already exists with status %s", ErrInvalidState, itemID, existing.Status)
	}

	item := &checkpoint.Item{
		ID:         itemID,
		Attempt:    1,
		Status:     checkpoint.StatusPending,
		ConfigJSON: configJSON,
	}
	if err := e.store.Put(ctx, item); err != nil {
		return nil, err
	}
	e.recordTransition(item.Status)
	e.publish(item, "item created")

	logging.WithContext(services.WithItemID(ctx, itemID), e.logger).Info("item started",
		logging.String(logging.FieldEventType, "item_start"))
	return item, nil
}

// Advance executes the next pending stage for an item. Calling it on a
// terminal item is an idempotent no-op that returns the persisted state
// without publishing. The per-item lock is held for the duration of one
// stage execution only.
func (e *Engine) Advance(ctx context.Context, itemID string) (*checkpoint.Item, error) {
	state := e.locks.get(itemID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return e.advanceLocked(ctx, state, itemID)
}

func (e *Engine) advanceLocked(ctx context.Context, state *itemState, itemID string) (*checkpoint.Item, error) {
	itemCtx := services.WithItemID(ctx, itemID)
	requestID := uuid.NewString()
	logger := logging.WithContext(itemCtx, e.logger).With(
		logging.String(logging.FieldCorrelationID, requestID))

	item, err := e.store.Get(itemCtx, itemID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		item = &checkpoint.Item{ID: itemID, Attempt: 1, Status: checkpoint.StatusPending}
		if err := e.store.Put(itemCtx, item); err != nil {
			return nil, err
		}
		e.recordTransition(item.Status)
		e.publish(item, "item created")
	} else if err != nil {
		return nil, err
	}

	if item.IsTerminal() {
		return item, nil
	}

	definition, ok := e.registry.ByIndex(item.StageIndex)
	if !ok {
		// All stages already succeeded; close the item out.
		item.Status = checkpoint.StatusCompleted
		if err := e.store.Put(itemCtx, item); err != nil {
			return nil, err
		}
		e.recordTransition(item.Status)
		e.publish(item, "all stages complete")
		return item, nil
	}

	item.Status = checkpoint.StatusRunning
	item.ErrorMessage = ""
	if err := e.store.Put(itemCtx, item); err != nil {
		return nil, err
	}
	e.recordTransition(item.Status)
	e.publish(item, fmt.Sprintf("stage %s started", definition.Name))

	started := time.Now()
	execution, execErr := stageexec.Run(itemCtx, stageexec.Options{
		Logger:     logger,
		Definition: definition,
		Item:       item,
		Cancelled:  state.cancelled.Load,
	})
	e.recordAttempts(execution.Attempts, time.Since(started))

	item.Results = append(item.Results, execution.Attempts...)
	if consumed := len(execution.Attempts) - 1; consumed > 0 {
		item.SetRetryCount(definition.Index, item.RetryCount(definition.Index)+consumed)
	}

	if errors.Is(execErr, stageexec.ErrCancelled) {
		item.Status = checkpoint.StatusCancelled
		if err := e.store.Put(itemCtx, item); err != nil {
			return nil, err
		}
		e.recordTransition(item.Status)
		e.publish(item, fmt.Sprintf("cancelled during stage %s", definition.Name))
		return item, nil
	}
	if execErr != nil {
		return nil, execErr
	}

	message := ""
	if execution.Success() {
		item.StageIndex++
		switch {
		case definition.ReviewGated:
			item.Status = checkpoint.StatusAwaitingReview
			message = fmt.Sprintf("stage %s complete, awaiting review", definition.Name)
		case item.StageIndex >= e.registry.Len():
			item.Status = checkpoint.StatusCompleted
			message = "generation complete"
		default:
			item.Status = checkpoint.StatusRunning
			message = fmt.Sprintf("stage %s complete", definition.Name)
		}
	} else {
		item.Status = checkpoint.StatusFailed
		final := execution.Final()
		item.ErrorMessage = strings.Join(final.Diagnostics, "; ")
		message = fmt.Sprintf("stage %s failed", definition.Name)
	}

	// An unpersisted transition is not committed; the caller retries the
	// whole advance after a store failure.
	if err := e.store.Put(itemCtx, item); err != nil {
		return nil, err
	}
	e.recordTransition(item.Status)
	e.publish(item, message)
	return item, nil
}

// Run advances an item until it pauses for review, finishes, or fails.
func (e *Engine) Run(ctx context.Context, itemID string) (*checkpoint.Item, error) {
	for {
		item, err := e.Advance(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if item.Status != checkpoint.StatusRunning {
			return item, nil
		}
		if err := ctx.Err(); err != nil {
			return item, err
		}
	}
}

// Save merges review edits into the payload of the most recently completed
// stage without advancing the pipeline. Valid only while the item is
// awaiting review.
func (e *Engine) Save(ctx context.Context, itemID, editsJSON string) (*checkpoint.Item, error) {
	state := e.locks.get(itemID)
	state.mu.Lock()
	defer state.mu.Unlock()

	itemCtx := services.WithItemID(ctx, itemID)
	item, err := e.store.Get(itemCtx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != checkpoint.StatusAwaitingReview {
		return nil, fmt.Errorf("%w: save requires awaiting_review, item %s is %s", ErrInvalidState, itemID, item.Status)
	}

	target := latestSuccessIndex(item)
	if target < 0 {
		return nil, fmt.Errorf("%w: item %s has no completed stage to revise", ErrInvalidState, itemID)
	}

	merged, err := mergePayload(item.Results[target].Payload, editsJSON)
	if err != nil {
		return nil, fmt.Errorf("merge review edits: %w", err)
	}
	item.Results[target].Payload = merged
	item.Results[target].Diagnostics = append(item.Results[target].Diagnostics, "payload revised during review")

	if err := e.store.Put(itemCtx, item); err != nil {
		return nil, err
	}
	e.publish(item, "review edits saved")
	return item, nil
}

// Cancel requests cancellation for an item. The flag is raised before the
// per-item lock is taken so an in-flight stage observes it at its next
// retry-loop boundary; whichever path wins persists the terminal state once.
func (e *Engine) Cancel(ctx context.Context, itemID string) (*checkpoint.Item, error) {
	state := e.locks.get(itemID)
	state.cancelled.Store(true)

	state.mu.Lock()
	defer state.mu.Unlock()

	itemCtx := services.WithItemID(ctx, itemID)
	item, err := e.store.Get(itemCtx, itemID)
	if err != nil {
		return nil, err
	}
	if item.IsTerminal() {
		return item, nil
	}

	item.Status = checkpoint.StatusCancelled
	if err := e.store.Put(itemCtx, item); err != nil {
		return nil, err
	}
	e.recordTransition(item.Status)
	e.publish(item, "cancelled by request")

	logging.WithContext(itemCtx, e.logger).Info("item cancelled",
		logging.String(logging.FieldEventType, "item_cancel"))
	return item, nil
}

// Reset starts a fresh attempt chain for a terminal item. Prior stage results
// stay queryable through ResultHistory.
func (e *Engine) Reset(ctx context.Context, itemID string) (*checkpoint.Item, error) {
	state := e.locks.get(itemID)
	state.mu.Lock()
	defer state.mu.Unlock()

	itemCtx := services.WithItemID(ctx, itemID)
	item, err := e.store.Get(itemCtx, itemID)
	if err != nil {
		return nil, err
	}
	if !item.IsTerminal() {
		return nil, fmt.Errorf("%w: reset requires a terminal item, %s is %s", ErrInvalidState, itemID, item.Status)
	}

	item.Attempt++
	item.StageIndex = 0
	item.Status = checkpoint.StatusPending
	item.Results = nil
	item.RetryCounts = nil
	item.ErrorMessage = ""

	if err := e.store.Put(itemCtx, item); err != nil {
		return nil, err
	}
	state.cancelled.Store(false)
	e.recordTransition(item.Status)
	e.publish(item, fmt.Sprintf("reset to attempt %d", item.Attempt))
	return item, nil
}

// GetState returns the persisted checkpoint for an item.
func (e *Engine) GetState(ctx context.Context, itemID string) (*checkpoint.Item, error) {
	return e.store.Get(ctx, itemID)
}

// ListHistory returns items filtered by status.
func (e *Engine) ListHistory(ctx context.Context, statuses ...checkpoint.Status) ([]*checkpoint.Item, error) {
	return e.store.List(ctx, statuses...)
}

// ResultHistory returns every recorded stage attempt for an item across all
// attempt chains.
func (e *Engine) ResultHistory(ctx context.Context, itemID string) ([]checkpoint.StageResult, error) {
	return e.store.ResultHistory(ctx, itemID)
}

// ListStale returns in-flight items with no update inside the configured
// staleness window.
func (e *Engine) ListStale(ctx context.Context) ([]*checkpoint.Item, error) {
	cutoff := time.Now().Add(-time.Duration(e.cfg.Pipeline.StaleAfterSeconds) * time.Second)
	return e.store.ListStale(ctx, cutoff)
}

// HealthCheck probes the store and every registered stage handler.
func (e *Engine) HealthCheck(ctx context.Context) (checkpoint.DatabaseHealth, []stage.Health) {
	return e.store.Health(ctx), e.registry.HealthCheck(ctx)
}

func latestSuccessIndex(item *checkpoint.Item) int {
	for i := len(item.Results) - 1; i >= 0; i-- {
		if item.Results[i].Outcome == checkpoint.OutcomeSuccess {
			return i
		}
	}
	return -1
}

func mergePayload(current, edits string) (string, error) {
	edits = strings.TrimSpace(edits)
	if edits == "" {
		return current, nil
	}

	var editMap map[string]any
	if err := json.Unmarshal([]byte(edits), &editMap); err != nil {
		return "", fmt.Errorf("decode edits: %w", err)
	}

	base := make(map[string]any)
	if trimmed := strings.TrimSpace(current); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &base); err != nil {
			// Non-object payloads are replaced wholesale.
			base = make(map[string]any)
		}
	}
	for key, value := range editMap {
		base[key] = value
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}
