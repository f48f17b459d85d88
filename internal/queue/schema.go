package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion changes whenever schema.sql does. There are no migrations; an
// older database has to be removed.
const schemaVersion = 1

// requiredTables must all exist in an initialized database.
var requiredTables = []string{"jobs", "tasks", "task_events", "job_warnings"}

// ErrSchemaMismatch reports a database created by a different schema version
// or missing one of the labelflow tables.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	tables, err := s.existingTables(ctx)
	if err != nil {
		return err
	}
	if !tables["schema_version"] {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database %s has version %d, expected %d (remove it to start a fresh queue)",
			ErrSchemaMismatch, s.path, version, schemaVersion)
	}

	var missing []string
	for _, name := range requiredTables {
		if !tables[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: database %s lacks tables %s", ErrSchemaMismatch, s.path, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Store) existingTables(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

func (s *Store) createSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *publisher) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}
