// Package stages implements the checker generation pipeline: configuration
// intake, input analysis, code generation, self-check, test execution, human
// review, and packaging. Each handler is a stage.Handler wired into the
// registry by BuildRegistry.
package stages
