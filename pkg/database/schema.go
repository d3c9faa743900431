package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the expected schema.
// ARCHITECTURAL DISCOVERY: Kept apart from MigrationManager so deployments can
// verify a database they did not migrate.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session metadata and snapshot",
		"session_members":   "Allowed users and permissions",
		"changes":           "Change history",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"sessions": {
			"id":            "TEXT",
			"creator_email": "TEXT",
			"snapshot":      "TEXT",
			"start_time":    "DATETIME",
			"end_time":      "DATETIME",
			"status":        "TEXT",
		},
		"session_members": {
			"session_id":             "TEXT",
			"email":                  "TEXT",
			"can_edit":               "INTEGER",
			"can_invite":             "INTEGER",
			"can_manage_permissions": "INTEGER",
			"added_at":               "DATETIME",
		},
		"changes": {
			"seq":              "INTEGER",
			"id":               "TEXT",
			"session_id":       "TEXT",
			"user_email":       "TEXT",
			"origin_id":        "TEXT",
			"delta":            "TEXT",
			"snapshot":         "TEXT",
			"client_timestamp": "INTEGER",
			"received_at":      "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies the lookup indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_status":       "Active session listing",
		"idx_sessions_creator":      "Sessions by creator",
		"idx_session_members_email": "Sessions by member",
		"idx_changes_session_seq":   "Change history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints probes that foreign keys and checks are enforced.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO changes (id, session_id, user_email) VALUES ('probe', 'nonexistent', 'probe@x.com')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM changes WHERE id = 'probe'")
		return fmt.Errorf("foreign key constraint not enforced: changes.session_id")
	}

	_, err = v.db.Exec(`
		INSERT INTO sessions (id, creator_email, status) VALUES ('probe-session', 'probe@x.com', 'paused')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM sessions WHERE id = 'probe-session'")
		return fmt.Errorf("check constraint not enforced: sessions.status")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, want := range expectedColumns {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, want)
		}
	}
	return nil
}
