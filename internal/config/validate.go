package config

import (
	"fmt"
	"strings"
)

var validLogFormats = map[string]bool{
	"console": true,
	"json":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for invalid values. It assumes the
// config has already been normalized.
func (c *Config) Validate() error {
	var problems []string

	if c.Paths.WorkDir == "" {
		problems = append(problems, "paths.work_dir must not be empty")
	}
	if c.Paths.OutputDir == "" {
		problems = append(problems, "paths.output_dir must not be empty")
	}
	if c.Paths.WorkDir != "" && c.Paths.WorkDir == c.Paths.OutputDir {
		problems = append(problems, "paths.work_dir and paths.output_dir must differ")
	}

	if !validLogFormats[c.Logging.Format] {
		problems = append(problems, fmt.Sprintf("logging.format %q is not one of console, json", c.Logging.Format))
	}
	if !validLogLevels[c.Logging.Level] {
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if c.LLM.BaseURL == "" {
		problems = append(problems, "llm.base_url must not be empty")
	}
	if c.LLM.Model == "" {
		problems = append(problems, "llm.model must not be empty")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		problems = append(problems, "llm.timeout_seconds must be positive")
	}

	if c.Pipeline.TestTimeoutSeconds <= 0 {
		problems = append(problems, "pipeline.test_timeout_seconds must be positive")
	}
	if c.Pipeline.StaleAfterSeconds <= 0 {
		problems = append(problems, "pipeline.stale_after_seconds must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
