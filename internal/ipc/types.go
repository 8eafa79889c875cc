package ipc

import (
	"time"

	"checkforge/internal/checkpoint"
	"checkforge/internal/progress"
	"checkforge/internal/stage"
)

// Item mirrors a checkpoint item for IPC callers.
type Item struct {
	ID           string        `json:"id"`
	Attempt      int           `json:"attempt"`
	StageIndex   int           `json:"stage_index"`
	Status       string        `json:"status"`
	ConfigJSON   string        `json:"config_json,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Results      []StageResult `json:"results,omitempty"`
	RetryCounts  map[int]int   `json:"retry_counts,omitempty"`
}

// StageResult mirrors a persisted stage outcome.
type StageResult struct {
	StageIndex    int       `json:"stage_index"`
	StageName     string    `json:"stage_name"`
	Outcome       string    `json:"outcome"`
	Payload       string    `json:"payload,omitempty"`
	Diagnostics   []string  `json:"diagnostics,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Event mirrors a progress event for long-polling clients.
type Event struct {
	Sequence         uint64    `json:"seq"`
	ItemID           string    `json:"item_id"`
	StageIndex       int       `json:"stage_index"`
	StageName        string    `json:"stage_name,omitempty"`
	Status           string    `json:"status"`
	FractionComplete float64   `json:"fraction_complete"`
	Message          string    `json:"message,omitempty"`
	Timestamp        time.Time `json:"ts"`
}

// StageHealth describes readiness of one pipeline stage.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

func fromItem(item *checkpoint.Item) *Item {
	if item == nil {
		return nil
	}
	dto := &Item{
		ID:           item.ID,
		Attempt:      item.Attempt,
		StageIndex:   item.StageIndex,
		Status:       string(item.Status),
		ConfigJSON:   item.ConfigJSON,
		ErrorMessage: item.ErrorMessage,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
		Results:      fromResults(item.Results),
	}
	if len(item.RetryCounts) > 0 {
		dto.RetryCounts = make(map[int]int, len(item.RetryCounts))
		for stageIndex, count := range item.RetryCounts {
			dto.RetryCounts[stageIndex] = count
		}
	}
	return dto
}

func fromResults(results []checkpoint.StageResult) []StageResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]StageResult, 0, len(results))
	for _, result := range results {
		out = append(out, StageResult{
			StageIndex:    result.StageIndex,
			StageName:     result.StageName,
			Outcome:       string(result.Outcome),
			Payload:       result.Payload,
			Diagnostics:   result.Diagnostics,
			AttemptNumber: result.AttemptNumber,
			RecordedAt:    result.RecordedAt,
		})
	}
	return out
}

func fromEvents(events []progress.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		out = append(out, Event{
			Sequence:         ev.Sequence,
			ItemID:           ev.ItemID,
			StageIndex:       ev.StageIndex,
			StageName:        ev.StageName,
			Status:           string(ev.Status),
			FractionComplete: ev.FractionComplete,
			Message:          ev.Message,
			Timestamp:        ev.Timestamp,
		})
	}
	return out
}

func fromStageHealth(health []stage.Health) []StageHealth {
	if len(health) == 0 {
		return nil
	}
	out := make([]StageHealth, 0, len(health))
	for _, h := range health {
		out = append(out, StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// StartRequest creates a new item and begins its first stage.
type StartRequest struct {
	ItemID     string `json:"item_id"`
	ConfigJSON string `json:"config_json"`
}

// StartResponse carries the created item.
type StartResponse struct {
	Item *Item `json:"item"`
}

// AdvanceRequest executes the next stage of an item.
type AdvanceRequest struct {
	ItemID string `json:"item_id"`
}

// AdvanceResponse carries the item after the stage ran.
type AdvanceResponse struct {
	Item *Item `json:"item"`
}

// RunRequest drives an item forward until it leaves the running state.
type RunRequest struct {
	ItemID string `json:"item_id"`
}

// RunResponse carries the item once it pauses or finishes.
type RunResponse struct {
	Item *Item `json:"item"`
}

// SaveRequest merges reviewer edits into an item awaiting review.
type SaveRequest struct {
	ItemID    string `json:"item_id"`
	EditsJSON string `json:"edits_json"`
}

// SaveResponse carries the revised item.
type SaveResponse struct {
	Item *Item `json:"item"`
}

// CancelRequest requests cooperative cancellation of an item.
type CancelRequest struct {
	ItemID string `json:"item_id"`
}

// CancelResponse carries the item after cancellation was recorded.
type CancelResponse struct {
	Item *Item `json:"item"`
}

// ResetRequest starts a fresh attempt chain for a terminal item.
type ResetRequest struct {
	ItemID string `json:"item_id"`
}

// ResetResponse carries the reset item.
type ResetResponse struct {
	Item *Item `json:"item"`
}

// DescribeRequest fetches a single item by id.
type DescribeRequest struct {
	ItemID string `json:"item_id"`
}

// DescribeResponse contains the requested item.
type DescribeResponse struct {
	Item *Item `json:"item"`
}

// ListRequest filters items by status; empty means all.
type ListRequest struct {
	Statuses []string `json:"statuses"`
}

// ListResponse contains matching items.
type ListResponse struct {
	Items []Item `json:"items"`
}

// HistoryRequest fetches stage results across all attempts of an item.
type HistoryRequest struct {
	ItemID string `json:"item_id"`
}

// HistoryResponse contains the audit trail ordered by attempt then sequence.
type HistoryResponse struct {
	Results []StageResult `json:"results"`
}

// EventsRequest long-polls progress events after a cursor.
type EventsRequest struct {
	ItemID string `json:"item_id"`
	Since  uint64 `json:"since"`
	Limit  int    `json:"limit"`
	Wait   bool   `json:"wait"`
}

// EventsResponse carries fetched events and the next cursor.
type EventsResponse struct {
	Events []Event `json:"events"`
	Next   uint64  `json:"next"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon and store status.
type StatusResponse struct {
	Running     bool           `json:"running"`
	PID         int            `json:"pid"`
	StoreDBPath string         `json:"store_db_path"`
	LockPath    string         `json:"lock_path"`
	ItemCounts  map[string]int `json:"item_counts"`
	StageHealth []StageHealth  `json:"stage_health"`
}

// HealthRequest fetches detailed store diagnostics.
type HealthRequest struct{}

// HealthResponse carries store health details.
type HealthResponse struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    string   `json:"schema_version"`
	TablesPresent    []string `json:"tables_present"`
	MissingTables    []string `json:"missing_tables"`
	IntegrityCheck   bool     `json:"integrity_check"`
	TotalItems       int      `json:"total_items"`
	Error            string   `json:"error,omitempty"`
}

// StaleRequest lists non-terminal items with no recent progress.
type StaleRequest struct{}

// StaleResponse contains stale items.
type StaleResponse struct {
	Items []Item `json:"items"`
}

// StopRequest halts daemon background work.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}
