package checkpoint

import (
	"context"
	"fmt"
	"os"
)

var requiredTables = []string{"schema_version", "items", "stage_results"}

// Health inspects the checkpoint database and reports its condition.
func (s *Store) Health(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{DBPath: s.path}

	if _, err := os.Stat(s.path); err == nil {
		health.DatabaseExists = true
	} else {
		health.Error = fmt.Sprintf("database file missing: %v", err)
		return health
	}

	if err := s.db.PingContext(ctx); err != nil {
		health.Error = fmt.Sprintf("database unreachable: %v", err)
		return health
	}
	health.DatabaseReadable = true

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err == nil {
		health.SchemaVersion = fmt.Sprintf("%d", version)
	}

	present := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table'")
	if err != nil {
		health.Error = fmt.Sprintf("list tables: %v", err)
		return health
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			health.Error = fmt.Sprintf("scan table name: %v", err)
			return health
		}
		present[name] = true
	}
	_ = rows.Close()

	for _, table := range requiredTables {
		if present[table] {
			health.TablesPresent = append(health.TablesPresent, table)
		} else {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err == nil {
		health.IntegrityCheck = integrity == "ok"
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM items").Scan(&health.TotalItems); err != nil {
		health.Error = fmt.Sprintf("count items: %v", err)
	}

	return health
}
