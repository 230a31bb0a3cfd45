package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for build/detect run history.
// The fingerprint database itself lives in internal/dbkv; this store only
// tracks the ambient run-history concern, separate from the core
// fingerprint data.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("run-history store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// BuildRun Operations
// ============================================================================

// CreateBuildRun inserts a new BuildRun, assigning it a UUID if ID is empty.
func (s *Store) CreateBuildRun(run *BuildRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO build_runs (
			id, db_path, input_path, start_time, end_time, app_versions_seen,
			app_versions_defined, checksums_seen, lines_skipped, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.DBPath, run.InputPath, run.StartTime, run.EndTime,
		run.AppVersionsSeen, run.AppVersionsDefined, run.ChecksumsSeen,
		run.LinesSkipped, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert build run: %w", err)
	}

	return nil
}

// UpdateBuildRun updates an existing BuildRun by ID
func (s *Store) UpdateBuildRun(run *BuildRun) error {
	const query = `
		UPDATE build_runs SET
			db_path = ?, input_path = ?, start_time = ?, end_time = ?,
			app_versions_seen = ?, app_versions_defined = ?, checksums_seen = ?,
			lines_skipped = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.DBPath, run.InputPath, run.StartTime, run.EndTime,
		run.AppVersionsSeen, run.AppVersionsDefined, run.ChecksumsSeen,
		run.LinesSkipped, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update build run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("build run not found: %s", run.ID)
	}

	return nil
}

// GetBuildRun retrieves a BuildRun by ID
func (s *Store) GetBuildRun(id string) (*BuildRun, error) {
	const query = `
		SELECT id, db_path, input_path, start_time, end_time, app_versions_seen,
		       app_versions_defined, checksums_seen, lines_skipped, status, error_message
		FROM build_runs WHERE id = ?
	`

	run := &BuildRun{}
	err := s.db.QueryRow(query, id).Scan(
		&run.ID, &run.DBPath, &run.InputPath, &run.StartTime, &run.EndTime,
		&run.AppVersionsSeen, &run.AppVersionsDefined, &run.ChecksumsSeen,
		&run.LinesSkipped, &run.Status, &run.ErrorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("build run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to query build run: %w", err)
	}

	return run, nil
}

// ListBuildRuns retrieves the most recent BuildRuns, optionally limited.
func (s *Store) ListBuildRuns(limit int) ([]BuildRun, error) {
	query := `
		SELECT id, db_path, input_path, start_time, end_time, app_versions_seen,
		       app_versions_defined, checksums_seen, lines_skipped, status, error_message
		FROM build_runs
		ORDER BY start_time DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query build runs: %w", err)
	}
	defer rows.Close()

	var runs []BuildRun
	for rows.Next() {
		run := BuildRun{}
		err := rows.Scan(
			&run.ID, &run.DBPath, &run.InputPath, &run.StartTime, &run.EndTime,
			&run.AppVersionsSeen, &run.AppVersionsDefined, &run.ChecksumsSeen,
			&run.LinesSkipped, &run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating build runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// DetectRun Operations
// ============================================================================

// CreateDetectRun inserts a new DetectRun, assigning it a UUID if ID is empty.
func (s *Store) CreateDetectRun(run *DetectRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO detect_runs (
			id, db_path, observations_path, start_time, end_time,
			observations_read, app_versions_found, app_versions_discarded,
			status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		run.ID, run.DBPath, run.ObservationsPath, run.StartTime, run.EndTime,
		run.ObservationsRead, run.AppVersionsFound, run.AppVersionsDiscarded,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detect run: %w", err)
	}

	return nil
}

// UpdateDetectRun updates an existing DetectRun by ID
func (s *Store) UpdateDetectRun(run *DetectRun) error {
	const query = `
		UPDATE detect_runs SET
			db_path = ?, observations_path = ?, start_time = ?, end_time = ?,
			observations_read = ?, app_versions_found = ?, app_versions_discarded = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.DBPath, run.ObservationsPath, run.StartTime, run.EndTime,
		run.ObservationsRead, run.AppVersionsFound, run.AppVersionsDiscarded,
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update detect run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("detect run not found: %s", run.ID)
	}

	return nil
}

// GetDetectRun retrieves a DetectRun by ID
func (s *Store) GetDetectRun(id string) (*DetectRun, error) {
	const query = `
		SELECT id, db_path, observations_path, start_time, end_time,
		       observations_read, app_versions_found, app_versions_discarded,
		       status, error_message
		FROM detect_runs WHERE id = ?
	`

	run := &DetectRun{}
	err := s.db.QueryRow(query, id).Scan(
		&run.ID, &run.DBPath, &run.ObservationsPath, &run.StartTime, &run.EndTime,
		&run.ObservationsRead, &run.AppVersionsFound, &run.AppVersionsDiscarded,
		&run.Status, &run.ErrorMessage,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("detect run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to query detect run: %w", err)
	}

	return run, nil
}

// ListDetectRuns retrieves the most recent DetectRuns, optionally limited.
func (s *Store) ListDetectRuns(limit int) ([]DetectRun, error) {
	query := `
		SELECT id, db_path, observations_path, start_time, end_time,
		       observations_read, app_versions_found, app_versions_discarded,
		       status, error_message
		FROM detect_runs
		ORDER BY start_time DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detect runs: %w", err)
	}
	defer rows.Close()

	var runs []DetectRun
	for rows.Next() {
		run := DetectRun{}
		err := rows.Scan(
			&run.ID, &run.DBPath, &run.ObservationsPath, &run.StartTime, &run.EndTime,
			&run.ObservationsRead, &run.AppVersionsFound, &run.AppVersionsDiscarded,
			&run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detect run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating detect runs: %w", err)
	}

	return runs, nil
}
