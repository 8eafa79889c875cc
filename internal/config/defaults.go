package config

const (
	defaultWorkDir            = "~/.local/share/checkforge/work"
	defaultOutputDir          = "~/.local/share/checkforge/output"
	defaultLogDir             = "~/.local/share/checkforge/logs"
	defaultSocketPath         = "~/.local/share/checkforge/checkforged.sock"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLLMBaseURL         = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel           = "google/gemini-3-flash-preview"
	defaultLLMTitle           = "Checkforge"
	defaultLLMTimeoutSeconds  = 120
	defaultMaxFixAttempts     = 2
	defaultTestRetries        = 1
	defaultTestTimeoutSeconds = 600
	defaultStaleAfterSeconds  = 1800
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:    defaultWorkDir,
			OutputDir:  defaultOutputDir,
			LogDir:     defaultLogDir,
			SocketPath: defaultSocketPath,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Pipeline: Pipeline{
			MaxFixAttempts:     defaultMaxFixAttempts,
			TestRetries:        defaultTestRetries,
			TestTimeoutSeconds: defaultTestTimeoutSeconds,
			StaleAfterSeconds:  defaultStaleAfterSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
