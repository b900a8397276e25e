package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// requiredColumns lists the columns the store reads and writes, per table.
var requiredColumns = map[string][]string{
	"learners":          {"id", "display_name", "level", "online", "streak", "xp", "updated_at"},
	"match_requests":    {"learner_id", "topic", "level", "enqueued_at"},
	"buddy_sessions":    {"id", "participant_a", "participant_b", "topic", "room_name", "created_at", "ended", "ended_at"},
	"schema_migrations": {"version", "applied_at"},
}

var requiredIndexes = []string{
	"idx_learners_online_level",
	"idx_match_requests_enqueued",
	"idx_buddy_sessions_ended",
	"idx_buddy_sessions_participant_a",
	"idx_buddy_sessions_participant_b",
}

// SchemaValidator provides database schema validation functionality
type SchemaValidator struct {
	db *sqlx.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sqlx.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that every required table exists with the
// columns the store uses. The probe query works on SQLite and PostgreSQL alike.
func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	for table, columns := range requiredColumns {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=0", strings.Join(columns, ", "), table)
		rows, err := v.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("table %s missing or incomplete: %w", table, err)
		}
		_ = rows.Close()
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	for _, index := range requiredIndexes {
		exists, err := v.indexExists(ctx, index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints verifies that a session cannot pair a learner with
// themselves. The probe runs in a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints(ctx context.Context) error {
	tx, err := v.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO buddy_sessions (id, participant_a, participant_b, topic, room_name, created_at, ended)
		VALUES ('constraint-probe', 'same', 'same', '', 'constraint-probe', CURRENT_TIMESTAMP, FALSE)
	`))
	if err == nil {
		return fmt.Errorf("check constraint not enforced: buddy_sessions participants must differ")
	}
	return nil
}

func (v *SchemaValidator) indexExists(ctx context.Context, name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	if v.db.DriverName() == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE indexname=?"
	}

	var count int
	if err := v.db.GetContext(ctx, &count, v.db.Rebind(query), name); err != nil {
		return false, err
	}
	return count > 0, nil
}
