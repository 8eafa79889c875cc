package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const itemColumns = "item_id, attempt, stage_index, status, config_json, error_message, retry_counts_json, created_at, updated_at"

const resultColumns = "stage_index, stage_name, outcome, payload_json, diagnostics_json, attempt_number, recorded_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id           string
		attempt      int
		stageIndex   int
		statusStr    string
		configJSON   sql.NullString
		errorMessage sql.NullString
		retryCounts  sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&attempt,
		&stageIndex,
		&statusStr,
		&configJSON,
		&errorMessage,
		&retryCounts,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:           id,
		Attempt:      attempt,
		StageIndex:   stageIndex,
		Status:       Status(statusStr),
		ConfigJSON:   configJSON.String,
		ErrorMessage: errorMessage.String,
	}

	if retryCounts.Valid && retryCounts.String != "" {
		counts := make(map[int]int)
		if err := json.Unmarshal([]byte(retryCounts.String), &counts); err != nil {
			return nil, fmt.Errorf("decode retry counts: %w", err)
		}
		item.RetryCounts = counts
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}

	return item, nil
}

func collectResults(rows *sql.Rows) ([]StageResult, error) {
	var results []StageResult
	for rows.Next() {
		var (
			result      StageResult
			payload     sql.NullString
			diagnostics sql.NullString
			recordedRaw sql.NullString
		)
		if err := rows.Scan(
			&result.StageIndex,
			&result.StageName,
			&result.Outcome,
			&payload,
			&diagnostics,
			&result.AttemptNumber,
			&recordedRaw,
		); err != nil {
			return nil, unavailable("scan stage result", err)
		}
		result.Payload = payload.String
		if diagnostics.Valid && diagnostics.String != "" {
			if err := json.Unmarshal([]byte(diagnostics.String), &result.Diagnostics); err != nil {
				return nil, fmt.Errorf("decode diagnostics: %w", err)
			}
		}
		if recorded, err := parseTimeString(recordedRaw.String); err == nil {
			result.RecordedAt = recorded
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate stage results", err)
	}
	return results, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", value)
}
