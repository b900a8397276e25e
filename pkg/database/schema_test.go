package database

import (
	"context"
	"testing"
)

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	validator := NewSchemaValidator(db)

	if err := validator.ValidateTablesExist(ctx); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := validator.ValidateIndexes(ctx); err == nil {
		t.Error("ValidateIndexes should fail on empty database")
	}
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := NewMigrationManager(db, nil).ApplyMigrations(ctx); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	validator := NewSchemaValidator(db)
	if err := validator.ValidateTablesExist(ctx); err != nil {
		t.Errorf("ValidateTablesExist failed: %v", err)
	}
	if err := validator.ValidateIndexes(ctx); err != nil {
		t.Errorf("ValidateIndexes failed: %v", err)
	}
	if err := validator.ValidateConstraints(ctx); err != nil {
		t.Errorf("ValidateConstraints failed: %v", err)
	}

	// The probe row must not survive
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM buddy_sessions"); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("constraint probe left %d rows behind", count)
	}
}

func TestSchemaValidator_MissingColumn(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stmts := []string{
		"CREATE TABLE learners (id TEXT PRIMARY KEY)",
		"CREATE TABLE match_requests (learner_id TEXT, topic TEXT, level TEXT, enqueued_at TIMESTAMP)",
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	if err := NewSchemaValidator(db).ValidateTablesExist(ctx); err == nil {
		t.Error("expected incomplete learners table to be rejected")
	}
}
