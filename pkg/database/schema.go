package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides sqlite schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":              "Directory users",
		"courses":            "Directory courses",
		"enrollments":        "Course enrollment",
		"sessions":           "Attendance sessions",
		"attendance_entries": "Proof of presence",
		"invalid_attempts":   "Rejected claim audit",
		"engagement_states":  "Points and streaks",
		"badges":             "Badge catalog",
		"badge_awards":       "Earned badges",
		"notifications":      "Notification center",
		"goose_db_version":   "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies the columns the repository scans into
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"sessions": {
			"id":               "TEXT",
			"course_id":        "TEXT",
			"owner_id":         "TEXT",
			"code":             "TEXT",
			"start_time":       "DATETIME",
			"end_time":         "DATETIME",
			"duration_seconds": "INTEGER",
			"status":           "TEXT",
		},
		"attendance_entries": {
			"id":             "TEXT",
			"session_id":     "TEXT",
			"student_id":     "TEXT",
			"timestamp":      "DATETIME",
			"submitted_code": "TEXT",
			"is_valid":       "INTEGER",
			"manually_added": "INTEGER",
			"added_by":       "TEXT",
		},
		"engagement_states": {
			"student_id":           "TEXT",
			"total_points":         "INTEGER",
			"streak_days":          "INTEGER",
			"last_attendance_date": "TEXT",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies the indexes correctness depends on
// FUNCTIONAL DISCOVERY: The partial unique index on active codes is what makes
// "unique among active sessions" hold under concurrent opens
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_active_code":     "Active code uniqueness",
		"idx_sessions_status":          "Active session lookups",
		"idx_sessions_course_owner":    "Anomaly baseline queries",
		"idx_entries_session_time":     "Live entry listing",
		"idx_invalid_attempts_session": "Audit listing",
		"idx_notifications_user":       "Notification center queries",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that foreign keys are enforced on this connection
// ARCHITECTURAL DISCOVERY: A sqlite connection opened without _foreign_keys=on
// silently accepts orphan rows, so the check probes instead of trusting the DSN
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO enrollments (course_id, student_id) VALUES ('__probe_course', '__probe_student')`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: enrollments.course_id")
	}
	return nil
}

// objectExists checks sqlite_master for a table or index
func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
