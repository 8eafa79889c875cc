package testsupport

import (
	"path/filepath"
	"testing"

	"checkforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SocketPath = filepath.Join(base, "checkforged.sock")
	cfgVal.Paths.MetricsBind = ""
	cfgVal.LLM.APIKey = "test"
	cfgVal.Pipeline.TestCommand = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithFixAttempts sets the self-check retry budget on the test config.
func WithFixAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.MaxFixAttempts = n
	}
}

// WithTestCommand sets the external test command on the test config.
func WithTestCommand(command string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.TestCommand = command
	}
}

// WithStaleAfter sets the stale threshold, in seconds, on the test config.
func WithStaleAfter(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.StaleAfterSeconds = seconds
	}
}
