package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"checkforge/internal/config"
)

// Store manages checkpoint persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the checkpoint database and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.WorkDir, "checkpoints.db"))
}

// OpenPath opens the checkpoint database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, unavailable("open sqlite db", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, unavailable(fmt.Sprintf("apply pragma %q", pragma), execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Put writes the full item checkpoint in a single transaction. A reader never
// observes the item row updated without its result rows, or the reverse.
func (s *Store) Put(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	if item.ID == "" {
		return errors.New("item id is empty")
	}
	if item.Attempt <= 0 {
		item.Attempt = 1
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	retryCounts, err := marshalRetryCounts(item.RetryCounts)
	if err != nil {
		return fmt.Errorf("marshal retry counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin put tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO items (
            item_id, attempt, stage_index, status, config_json, error_message,
            retry_counts_json, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (item_id) DO UPDATE SET
            attempt = excluded.attempt,
            stage_index = excluded.stage_index,
            status = excluded.status,
            config_json = excluded.config_json,
            error_message = excluded.error_message,
            retry_counts_json = excluded.retry_counts_json,
            updated_at = excluded.updated_at`,
		item.ID,
		item.Attempt,
		item.StageIndex,
		item.Status,
		nullableString(item.ConfigJSON),
		nullableString(item.ErrorMessage),
		nullableString(retryCounts),
		item.CreatedAt.Format(time.RFC3339Nano),
		item.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return unavailable("upsert item", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`DELETE FROM stage_results WHERE item_id = ? AND attempt = ?`,
		item.ID,
		item.Attempt,
	)
	if err != nil {
		return unavailable("clear stage results", err)
	}

	for seq, result := range item.Results {
		diagnostics, marshalErr := marshalDiagnostics(result.Diagnostics)
		if marshalErr != nil {
			return fmt.Errorf("marshal diagnostics: %w", marshalErr)
		}
		recordedAt := result.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = now
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO stage_results (
                item_id, attempt, seq, stage_index, stage_name, outcome,
                payload_json, diagnostics_json, attempt_number, recorded_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.Attempt,
			seq,
			result.StageIndex,
			result.StageName,
			result.Outcome,
			nullableString(result.Payload),
			nullableString(diagnostics),
			result.AttemptNumber,
			recordedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return unavailable("insert stage result", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit put tx", err)
	}
	return nil
}

// Get fetches an item checkpoint by id, including the current attempt's
// stage results. Returns ErrNotFound for unknown ids. Both reads run inside
// one transaction so a concurrent Put can never surface an item row paired
// with stage results from a different write.
func (s *Store) Get(ctx context.Context, itemID string) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin get tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, unavailable("get item", err)
	}

	item.Results, err = resultsForAttempt(ctx, tx, item.ID, item.Attempt)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListIDs returns all known item ids ordered by creation time.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM items ORDER BY created_at`)
	if err != nil {
		return nil, unavailable("list ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate ids", err)
	}
	return ids, nil
}

// List returns items filtered by status set (or all items when no status is
// provided), without their stage results.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM items`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, unavailable("list items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, unavailable("scan item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate items", err)
	}
	return items, nil
}

// ResultHistory returns every recorded stage result for an item across all
// attempt chains, oldest first. Used for post-mortem inspection.
func (s *Store) ResultHistory(ctx context.Context, itemID string) ([]StageResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+resultColumns+` FROM stage_results WHERE item_id = ? ORDER BY attempt, seq`,
		itemID,
	)
	if err != nil {
		return nil, unavailable("query result history", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// ListStale returns non-terminal items whose last update predates the cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*Item, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+itemColumns+` FROM items
         WHERE status IN (?, ?, ?) AND updated_at < ?
         ORDER BY updated_at`,
		StatusPending,
		StatusRunning,
		StatusAwaitingReview,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, unavailable("list stale items", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, unavailable("scan stale item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate stale items", err)
	}
	return items, nil
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM items GROUP BY status`)
	if err != nil {
		return nil, unavailable("item stats", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, unavailable("scan stats", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate stats", err)
	}
	return stats, nil
}

// Summary aggregates status counts into the key lifecycle buckets.
func (s *Store) Summary(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{
		Pending:        stats[StatusPending],
		Running:        stats[StatusRunning],
		AwaitingReview: stats[StatusAwaitingReview],
		Completed:      stats[StatusCompleted],
		Failed:         stats[StatusFailed],
		Cancelled:      stats[StatusCancelled],
	}
	for _, count := range stats {
		summary.Total += count
	}
	return summary, nil
}

// querier lets result reads run on either the pool or a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func resultsForAttempt(ctx context.Context, q querier, itemID string, attempt int) ([]StageResult, error) {
	rows, err := q.QueryContext(
		ctx,
		`SELECT `+resultColumns+` FROM stage_results WHERE item_id = ? AND attempt = ? ORDER BY seq`,
		itemID,
		attempt,
	)
	if err != nil {
		return nil, unavailable("query stage results", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

func marshalRetryCounts(counts map[int]int) (string, error) {
	if len(counts) == 0 {
		return "", nil
	}
	data, err := json.Marshal(counts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalDiagnostics(diagnostics []string) (string, error) {
	if len(diagnostics) == 0 {
		return "", nil
	}
	data, err := json.Marshal(diagnostics)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
