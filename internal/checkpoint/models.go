package checkpoint

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a generation item.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusAwaitingReview,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// Outcome classifies one stage attempt.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeNeedsRetry Outcome = "needs_retry"
	OutcomeFailed     Outcome = "failed"
)

// StageResult is the immutable record of one stage attempt. Attempts are
// append-only; once recorded they are never rewritten except for payload
// revision during review.
type StageResult struct {
	StageIndex    int       `json:"stage_index"`
	StageName     string    `json:"stage_name"`
	Outcome       Outcome   `json:"outcome"`
	Payload       string    `json:"payload,omitempty"`
	Diagnostics   []string  `json:"diagnostics,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Item is the persisted checkpoint for one generation run.
type Item struct {
	ID           string
	Attempt      int
	StageIndex   int
	Status       Status
	ConfigJSON   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Results      []StageResult
	RetryCounts  map[int]int
}

// IsTerminal reports whether the item has finished its attempt chain.
func (i *Item) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// SuccessCount returns the number of stages that have recorded a successful
// result. StageIndex always equals this count in any persisted item.
func (i *Item) SuccessCount() int {
	count := 0
	for _, result := range i.Results {
		if result.Outcome == OutcomeSuccess {
			count++
		}
	}
	return count
}

// LatestResult returns the most recent attempt recorded for a stage, or nil.
func (i *Item) LatestResult(stageIndex int) *StageResult {
	for idx := len(i.Results) - 1; idx >= 0; idx-- {
		if i.Results[idx].StageIndex == stageIndex {
			return &i.Results[idx]
		}
	}
	return nil
}

// RetryCount returns the number of auto-fix attempts consumed by a stage.
func (i *Item) RetryCount(stageIndex int) int {
	if i.RetryCounts == nil {
		return 0
	}
	return i.RetryCounts[stageIndex]
}

// SetRetryCount records consumed auto-fix attempts for a stage.
func (i *Item) SetRetryCount(stageIndex, count int) {
	if i.RetryCounts == nil {
		i.RetryCounts = make(map[int]int)
	}
	i.RetryCounts[stageIndex] = count
}

// DatabaseHealth captures diagnostic information about the checkpoint database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    string
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	TotalItems       int
	Error            string
}

// HealthSummary describes aggregated item counts per key lifecycle states.
type HealthSummary struct {
	Total          int
	Pending        int
	Running        int
	AwaitingReview int
	Completed      int
	Failed         int
	Cancelled      int
}
