package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/engine"
	"checkforge/internal/logging"
	"checkforge/internal/metrics"
	"checkforge/internal/progress"
	"checkforge/internal/services/llm"
	"checkforge/internal/stage"
	"checkforge/internal/stages"
)

const resumeInterval = 30 * time.Second

// ErrAlreadyRunning indicates another daemon instance holds the lock.
var ErrAlreadyRunning = errors.New("another checkforged instance is already running")

// Daemon wires the engine and its collaborators into a long-running process.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *checkpoint.Store
	broadcaster *progress.Broadcaster
	collector   *metrics.Collector
	engine      *engine.Engine
	lock        *flock.Flock

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metricsSrv *http.Server
}

// Status summarizes daemon state for the CLI.
type Status struct {
	Running     bool
	PID         int
	StoreDBPath string
	LockPath    string
	Summary     checkpoint.HealthSummary
	Database    checkpoint.DatabaseHealth
	StageHealth []stage.Health
}

// New acquires the single-instance lock and assembles the daemon.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	lockPath := filepath.Join(cfg.Paths.WorkDir, "checkforged.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	store, err := checkpoint.Open(cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	model := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Referer:        cfg.LLM.Referer,
		Title:          cfg.LLM.Title,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})
	registry, err := stages.BuildRegistry(cfg, model)
	if err != nil {
		_ = store.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("build stage registry: %w", err)
	}

	broadcaster := progress.NewBroadcaster(512)
	collector := metrics.NewCollector()

	return &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		store:       store,
		broadcaster: broadcaster,
		collector:   collector,
		engine:      engine.New(cfg, store, registry, broadcaster, logger, engine.WithMetrics(collector)),
		lock:        lock,
	}, nil
}

// Engine exposes the workflow engine for the IPC layer.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Broadcaster exposes the progress broadcaster for the IPC layer.
func (d *Daemon) Broadcaster() *progress.Broadcaster {
	return d.broadcaster
}

// Start launches the resume loop and, when configured, the metrics endpoint.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	if bind := d.cfg.Paths.MetricsBind; bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.collector.Handler())
		d.metricsSrv = &http.Server{Addr: bind, Handler: mux}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", logging.Error(err))
			}
		}()
		d.logger.Info("metrics endpoint listening", logging.String("bind", bind))
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.resumeLoop(runCtx)
	}()

	d.logger.Info("daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.Int("pid", os.Getpid()))
	return nil
}

// resumeLoop drives interrupted items forward. Items paused for review stay
// paused; only pending and running items are picked up.
func (d *Daemon) resumeLoop(ctx context.Context) {
	d.resumePass(ctx)
	ticker := time.NewTicker(resumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.resumePass(ctx)
			d.reportStale(ctx)
		}
	}
}

func (d *Daemon) resumePass(ctx context.Context) {
	items, err := d.store.List(ctx, checkpoint.StatusPending, checkpoint.StatusRunning)
	if err != nil {
		d.logger.Warn("resume scan failed", logging.Error(err))
		return
	}
	for _, item := range items {
		d.wg.Add(1)
		go func(itemID string) {
			defer d.wg.Done()
			if _, err := d.engine.Run(ctx, itemID); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("resume run failed",
					logging.String(logging.FieldItemID, itemID),
					logging.Error(err))
			}
		}(item.ID)
	}
}

func (d *Daemon) reportStale(ctx context.Context) {
	stale, err := d.engine.ListStale(ctx)
	if err != nil {
		d.logger.Warn("stale scan failed", logging.Error(err))
		return
	}
	for _, item := range stale {
		d.logger.Warn("item is stale",
			logging.String(logging.FieldItemID, item.ID),
			logging.String("status", string(item.Status)),
			logging.Duration("idle", time.Since(item.UpdatedAt)))
	}
}

// Stop halts background work. The store stays open until Close.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	metricsSrv := d.metricsSrv
	d.metricsSrv = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases every resource it owns.
func (d *Daemon) Close() error {
	d.Stop()
	d.broadcaster.Close()
	var firstErr error
	if err := d.store.Close(); err != nil {
		firstErr = err
	}
	if err := d.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Status reports the daemon's current condition.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	summary, err := d.store.Summary(ctx)
	if err != nil {
		d.logger.Warn("status summary failed", logging.Error(err))
	}
	database, stageHealth := d.engine.HealthCheck(ctx)

	return Status{
		Running:     running,
		PID:         os.Getpid(),
		StoreDBPath: d.store.Path(),
		LockPath:    d.lock.Path(),
		Summary:     summary,
		Database:    database,
		StageHealth: stageHealth,
	}
}
