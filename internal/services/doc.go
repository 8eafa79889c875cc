// Package services holds the error taxonomy and context annotation shared by
// stage handlers and the workflow engine.
package services
