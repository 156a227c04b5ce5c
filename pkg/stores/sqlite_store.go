package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowmend/flowmend/pkg/engine"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

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

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file:" + s.cfg.Path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveReport persists a session report. Saving the same session again
// replaces its rows.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *engine.Report) error {
	if r == nil || r.SessionID == "" {
		return fmt.Errorf("report has no session id")
	}

	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, flow, outcome, started_at, completed_at, duration_ms,
			nodes_total, nodes_failed, heals, oracle_calls, transient_retries,
			teardown_attempted, teardown_succeeded, teardown_error, error, report, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flow = excluded.flow,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			nodes_total = excluded.nodes_total,
			nodes_failed = excluded.nodes_failed,
			heals = excluded.heals,
			oracle_calls = excluded.oracle_calls,
			transient_retries = excluded.transient_retries,
			teardown_attempted = excluded.teardown_attempted,
			teardown_succeeded = excluded.teardown_succeeded,
			teardown_error = excluded.teardown_error,
			error = excluded.error,
			report = excluded.report
	`,
		r.SessionID,
		r.Flow,
		string(r.Outcome),
		r.StartedAt,
		r.CompletedAt,
		r.Duration.Milliseconds(),
		len(r.Nodes),
		len(r.FailedNodes()),
		r.TotalHeals(),
		r.OracleCalls,
		r.TransientRetries,
		r.Teardown.Attempted,
		r.Teardown.Succeeded,
		nullString(r.Teardown.Error),
		nullString(r.Error),
		string(blob),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_nodes WHERE session_id = ?`, r.SessionID); err != nil {
		return fmt.Errorf("failed to clear session nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE session_id = ?`, r.SessionID); err != nil {
		return fmt.Errorf("failed to clear attempts: %w", err)
	}

	for _, n := range r.Nodes {
		var kind, code, msg *string
		if n.LastError != nil {
			kind = nullString(string(n.LastError.Kind))
			code = nullString(n.LastError.Code)
			msg = nullString(n.LastError.Message)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_nodes (
				session_id, node_id, name, type, state, heals, tries,
				remote_id, error_kind, error_code, error_message
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.SessionID, n.ID, n.Name, n.Type, string(n.State), n.Heals, n.Tries,
			nullString(n.RemoteID), kind, code, msg,
		)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", n.ID, err)
		}
	}

	for i, a := range r.Attempts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (
				session_id, seq, subject, try, action, outcome, error, detail, elapsed_ms, at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.SessionID, i, a.Subject, a.Try, a.Action, a.Outcome,
			nullString(a.Error), nullString(a.Detail), a.Elapsed.Milliseconds(), a.At,
		)
		if err != nil {
			return fmt.Errorf("failed to save attempt %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

// GetReport returns the full report of a session
func (s *SQLiteStore) GetReport(ctx context.Context, sessionID string) (*engine.Report, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM sessions WHERE id = ?`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var r engine.Report
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

const sessionColumns = `
	id, flow, outcome, started_at, completed_at, duration_ms, nodes_total, nodes_failed,
	heals, oracle_calls, transient_retries, teardown_succeeded, error, created_at
`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	sess := &Session{}
	var durationMS int64
	err := row.Scan(
		&sess.ID,
		&sess.Flow,
		&sess.Outcome,
		&sess.StartedAt,
		&sess.CompletedAt,
		&durationMS,
		&sess.NodesTotal,
		&sess.NodesFailed,
		&sess.Heals,
		&sess.OracleCalls,
		&sess.TransientRetries,
		&sess.TeardownOK,
		&sess.Error,
		&sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Duration = time.Duration(durationMS) * time.Millisecond
	return sess, nil
}

// GetSession returns the summary of a session
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions lists sessions, most recent first
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.Flow != "" {
		where = append(where, "flow = ?")
		args = append(args, filter.Flow)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ListNodes lists the node results of a session in plan order
func (s *SQLiteStore) ListNodes(ctx context.Context, sessionID string) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, node_id, name, type, state, heals, tries,
		       remote_id, error_kind, error_code, error_message
		FROM session_nodes
		WHERE session_id = ?
		ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*NodeRecord{}
	for rows.Next() {
		n := &NodeRecord{}
		err := rows.Scan(
			&n.SessionID,
			&n.NodeID,
			&n.Name,
			&n.Type,
			&n.State,
			&n.Heals,
			&n.Tries,
			&n.RemoteID,
			&n.ErrorKind,
			&n.ErrorCode,
			&n.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

// ListAttempts returns the attempt log of a session in completion order.
// A non-empty subject keeps only the attempts for that node or edge.
func (s *SQLiteStore) ListAttempts(ctx context.Context, sessionID, subject string) ([]*AttemptRecord, error) {
	query := `
		SELECT id, session_id, seq, subject, try, action, outcome, error, detail, elapsed_ms, at
		FROM attempts
		WHERE session_id = ?
	`
	args := []any{sessionID}
	if subject != "" {
		query += " AND subject = ?"
		args = append(args, subject)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*AttemptRecord{}
	for rows.Next() {
		a := &AttemptRecord{}
		var elapsedMS int64
		err := rows.Scan(
			&a.ID,
			&a.SessionID,
			&a.Seq,
			&a.Subject,
			&a.Try,
			&a.Action,
			&a.Outcome,
			&a.Error,
			&a.Detail,
			&elapsedMS,
			&a.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// DeleteSession deletes a session with its nodes and attempts
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	return nil
}

// PruneSessions deletes sessions that started before the given time
func (s *SQLiteStore) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// SaveDeployment records a production replay
func (s *SQLiteStore) SaveDeployment(ctx context.Context, d *Deployment) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (
			id, session_id, flow, group_id, status, created_count,
			rolled_back, duration_ms, error, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.SessionID,
		d.Flow,
		d.GroupID,
		string(d.Status),
		d.CreatedCount,
		d.RolledBack,
		d.Duration.Milliseconds(),
		d.Error,
		d.Result,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}

	return nil
}

// ListDeployments lists deployments, most recent first. An empty flow
// lists every flow.
func (s *SQLiteStore) ListDeployments(ctx context.Context, flow string, limit int) ([]*Deployment, error) {
	query := `
		SELECT id, session_id, flow, group_id, status, created_count,
		       rolled_back, duration_ms, error, result, created_at
		FROM deployments
	`
	var args []any
	if flow != "" {
		query += " WHERE flow = ?"
		args = append(args, flow)
	}
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d := &Deployment{}
		var durationMS int64
		err := rows.Scan(
			&d.ID,
			&d.SessionID,
			&d.Flow,
			&d.GroupID,
			&d.Status,
			&d.CreatedCount,
			&d.RolledBack,
			&durationMS,
			&d.Error,
			&d.Result,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		d.Duration = time.Duration(durationMS) * time.Millisecond
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
