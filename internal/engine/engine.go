package engine

import (
	"log/slog"
	"time"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/logging"
	"checkforge/internal/metrics"
	"checkforge/internal/progress"
	"checkforge/internal/stage"
)

// Engine coordinates item advancement through the stage registry.
type Engine struct {
	cfg         *config.Config
	store       *checkpoint.Store
	registry    *stage.Registry
	broadcaster *progress.Broadcaster
	logger      *slog.Logger
	collector   *metrics.Collector

	locks *lockTable
}

// Option configures optional Engine behavior.
type Option func(*Engine)

// WithMetrics wires a Prometheus collector into stage and transition accounting.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) {
		e.collector = collector
	}
}

// New constructs a workflow engine.
func New(cfg *config.Config, store *checkpoint.Store, registry *stage.Registry, broadcaster *progress.Broadcaster, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	engine := &Engine{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger(logger, "engine"),
		locks:       newLockTable(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Registry returns the engine's stage table.
func (e *Engine) Registry() *stage.Registry {
	return e.registry
}

// publish emits a progress event for an already persisted transition.
func (e *Engine) publish(item *checkpoint.Item, message string) {
	if e.broadcaster == nil {
		return
	}
	stageName := ""
	if def, ok := e.registry.ByIndex(item.StageIndex); ok {
		stageName = def.Name
	}
	e.broadcaster.Publish(progress.Event{
		ItemID:           item.ID,
		StageIndex:       item.StageIndex,
		StageName:        stageName,
		Status:           item.Status,
		FractionComplete: e.fractionComplete(item),
		Message:          message,
		Timestamp:        time.Now().UTC(),
	})
	if e.collector != nil {
		e.collector.EventsPublished.Inc()
	}
}

func (e *Engine) fractionComplete(item *checkpoint.Item) float64 {
	switch item.Status {
	case checkpoint.StatusCompleted:
		return 1.0
	case checkpoint.StatusPending:
		return 0.0
	}
	total := e.registry.Len()
	if total == 0 {
		return 0.0
	}
	fraction := float64(item.StageIndex) / float64(total)
	if fraction > 1.0 {
		fraction = 1.0
	}
	return fraction
}

// recordTransition counts the transition and tracks the active population.
// Pending is only ever recorded when an item enters the pipeline (start,
// auto-create, reset) and terminal statuses only when it leaves, so the gauge
// moves exactly once per entry and exit.
func (e *Engine) recordTransition(status checkpoint.Status) {
	if e.collector == nil {
		return
	}
	e.collector.ItemTransitions.WithLabelValues(string(status)).Inc()
	switch {
	case status == checkpoint.StatusPending:
		e.collector.ActiveItems.Inc()
	case status.IsTerminal():
		e.collector.ActiveItems.Dec()
	}
}

func (e *Engine) recordAttempts(attempts []checkpoint.StageResult, elapsed time.Duration) {
	if e.collector == nil || len(attempts) == 0 {
		return
	}
	stageName := attempts[0].StageName
	for _, attempt := range attempts {
		e.collector.StageAttempts.WithLabelValues(stageName, string(attempt.Outcome)).Inc()
	}
	e.collector.StageDuration.WithLabelValues(stageName).Observe(elapsed.Seconds())
}
