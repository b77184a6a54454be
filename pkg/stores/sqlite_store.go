package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/kdeploy/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	now  func() time.Time
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		now:  time.Now,
		path: cfg.Path,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)", "synchronous(NORMAL)"}
	if !isMemory(s.path) {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(s.path, "?") {
		sep = "&"
	}
	dsn := s.path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=") + "&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateExecution creates a new execution record
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.Phase == "" {
		exec.Phase = PhaseSteps
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.StartedAt
	}

	query := `
		INSERT INTO executions (id, workflow, status, phase, step_index, definition, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.Workflow,
		exec.Status,
		exec.Phase,
		exec.StepIndex,
		exec.Definition,
		exec.Error,
		exec.StartedAt,
		exec.CompletedAt,
		exec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

const executionColumns = `id, workflow, status, phase, step_index, definition, error, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	err := row.Scan(
		&exec.ID,
		&exec.Workflow,
		&exec.Status,
		&exec.Phase,
		&exec.StepIndex,
		&exec.Definition,
		&exec.Error,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.UpdatedAt,
	)
	return exec, err
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = ?`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// UpdateExecution saves the status and cursor of an execution. A terminal
// status stamps completed_at.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	query := `
		UPDATE executions
		SET status = ?, phase = ?, step_index = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := s.now().UTC()
	if exec.Status.IsTerminal() && exec.CompletedAt == nil {
		exec.CompletedAt = &now
	}
	exec.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, query,
		exec.Status, exec.Phase, exec.StepIndex, exec.Error, exec.CompletedAt, exec.UpdatedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
	}

	return nil
}

// ListExecutions lists executions with pagination, newest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, status *engine.ExecutionStatus, limit, offset int) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// AppendStepOutcome records a finished step
func (s *SQLiteStore) AppendStepOutcome(ctx context.Context, outcome *StepOutcome) error {
	query := `
		INSERT INTO step_outcomes (execution_id, phase, step_index, state_name, strategy, status, message, outcome, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		outcome.ExecutionID,
		outcome.Phase,
		outcome.StepIndex,
		outcome.StateName,
		outcome.Strategy,
		outcome.Status,
		outcome.Message,
		outcome.Outcome,
		outcome.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append step outcome: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get step outcome ID: %w", err)
	}
	outcome.ID = id

	return nil
}

// ListStepOutcomes returns the outcomes of an execution in the order they were recorded
func (s *SQLiteStore) ListStepOutcomes(ctx context.Context, executionID string) ([]*StepOutcome, error) {
	query := `
		SELECT id, execution_id, phase, step_index, state_name, strategy, status, message, outcome, completed_at
		FROM step_outcomes
		WHERE execution_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []*StepOutcome{}
	for rows.Next() {
		o := &StepOutcome{}
		err := rows.Scan(
			&o.ID,
			&o.ExecutionID,
			&o.Phase,
			&o.StepIndex,
			&o.StateName,
			&o.Strategy,
			&o.Status,
			&o.Message,
			&o.Outcome,
			&o.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step outcomes: %w", err)
	}

	return outcomes, nil
}

// SaveContinuation stores the suspension point of an execution, replacing any previous one
func (s *SQLiteStore) SaveContinuation(ctx context.Context, cont *Continuation) error {
	query := `
		INSERT INTO continuations (execution_id, state_name, correlation_id, awaited_task_kind, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			state_name = excluded.state_name,
			correlation_id = excluded.correlation_id,
			awaited_task_kind = excluded.awaited_task_kind,
			data = excluded.data,
			created_at = excluded.created_at
	`

	if cont.CreatedAt.IsZero() {
		cont.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		cont.ExecutionID,
		cont.StateName,
		cont.CorrelationID,
		cont.AwaitedTaskKind,
		cont.Data,
		cont.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save continuation: %w", err)
	}

	return nil
}

// GetContinuation retrieves the pending continuation of an execution
func (s *SQLiteStore) GetContinuation(ctx context.Context, executionID string) (*Continuation, error) {
	query := `
		SELECT execution_id, state_name, correlation_id, awaited_task_kind, data, created_at
		FROM continuations
		WHERE execution_id = ?
	`

	cont := &Continuation{}
	err := s.db.QueryRowContext(ctx, query, executionID).Scan(
		&cont.ExecutionID,
		&cont.StateName,
		&cont.CorrelationID,
		&cont.AwaitedTaskKind,
		&cont.Data,
		&cont.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("continuation for execution %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get continuation: %w", err)
	}

	return cont, nil
}

// DeleteContinuation removes the continuation of an execution. Deleting a
// missing continuation is not an error.
func (s *SQLiteStore) DeleteContinuation(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to delete continuation: %w", err)
	}
	return nil
}

// RecordTask adds a dispatched task to the ledger
func (s *SQLiteStore) RecordTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (correlation_id, execution_id, state_name, kind, operation, state, request, result, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if task.State == "" {
		task.State = TaskStatePending
	}

	_, err := s.db.ExecContext(ctx, query,
		task.CorrelationID,
		task.ExecutionID,
		task.StateName,
		task.Kind,
		task.Operation,
		task.State,
		task.Request,
		task.Result,
		task.SubmittedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}

	return nil
}

const taskColumns = `correlation_id, execution_id, state_name, kind, operation, state, request, result, submitted_at, completed_at`

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	err := row.Scan(
		&task.CorrelationID,
		&task.ExecutionID,
		&task.StateName,
		&task.Kind,
		&task.Operation,
		&task.State,
		&task.Request,
		&task.Result,
		&task.SubmittedAt,
		&task.CompletedAt,
	)
	return task, err
}

// GetTask retrieves a task by correlation ID
func (s *SQLiteStore) GetTask(ctx context.Context, correlationID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE correlation_id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// CompleteTask moves a pending task to a final state. Completing a task
// that is no longer pending returns ErrNotFound.
func (s *SQLiteStore) CompleteTask(ctx context.Context, correlationID string, state TaskState, result *string) error {
	query := `
		UPDATE tasks
		SET state = ?, result = ?, completed_at = ?
		WHERE correlation_id = ? AND state = ?
	`

	res, err := s.db.ExecContext(ctx, query, state, result, s.now().UTC(), correlationID, TaskStatePending)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("pending task %s: %w", correlationID, ErrNotFound)
	}

	return nil
}

// ListPendingTasks returns every task still awaiting a result, oldest first
func (s *SQLiteStore) ListPendingTasks(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE state = ? ORDER BY submitted_at ASC`

	rows, err := s.db.QueryContext(ctx, query, TaskStatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// GetElement returns the latest version of an element
func (s *SQLiteStore) GetElement(ctx context.Context, namespace, name string) (*engine.Element, error) {
	query := `
		SELECT namespace, name, version, value, updated_at
		FROM elements
		WHERE namespace = ? AND name = ?
		ORDER BY version DESC
		LIMIT 1
	`

	el := &engine.Element{}
	var value string
	err := s.db.QueryRowContext(ctx, query, namespace, name).Scan(
		&el.Namespace,
		&el.Name,
		&el.Version,
		&value,
		&el.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrElementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get element: %w", err)
	}

	el.Value = []byte(value)
	return el, nil
}

// PutElement writes the next version of an element. With IfAbsent set
// nothing is written when any version exists.
func (s *SQLiteStore) PutElement(ctx context.Context, namespace string, write engine.ElementWrite) (bool, error) {
	if write.Name == "" {
		return false, fmt.Errorf("element name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM elements WHERE namespace = ? AND name = ?`,
		namespace, write.Name,
	).Scan(&latest)
	if err != nil {
		return false, fmt.Errorf("failed to read element version: %w", err)
	}
	if latest.Valid && write.IfAbsent {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO elements (namespace, name, version, value, updated_at) VALUES (?, ?, ?, ?, ?)`,
		namespace, write.Name, latest.Int64+1, string(write.Value), s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to put element: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit element: %w", err)
	}

	return true, nil
}

// ListElements returns the latest version of every element in a namespace
func (s *SQLiteStore) ListElements(ctx context.Context, namespace string) ([]*engine.Element, error) {
	query := `
		SELECT e.namespace, e.name, e.version, e.value, e.updated_at
		FROM elements e
		JOIN (
			SELECT name, MAX(version) AS version
			FROM elements
			WHERE namespace = ?
			GROUP BY name
		) latest ON latest.name = e.name AND latest.version = e.version
		WHERE e.namespace = ?
		ORDER BY e.name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, namespace, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	defer rows.Close()

	elements := []*engine.Element{}
	for rows.Next() {
		el := &engine.Element{}
		var value string
		if err := rows.Scan(&el.Namespace, &el.Name, &el.Version, &value, &el.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		el.Value = []byte(value)
		elements = append(elements, el)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elements: %w", err)
	}

	return elements, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

var _ Store = (*SQLiteStore)(nil)
