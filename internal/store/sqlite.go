package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/seantiz/runctx/internal/execctx"
	"github.com/seantiz/runctx/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id                     TEXT PRIMARY KEY,
    status                 TEXT NOT NULL,
    params                 TEXT NOT NULL,
    unused                 TEXT NOT NULL,
    require_accelerator    INTEGER NOT NULL,
    seed                   INTEGER NOT NULL,
    seed_per_iteration     INTEGER NOT NULL,
    nthread                INTEGER NOT NULL,
    gpu_id                 INTEGER NOT NULL,
    fail_on_invalid_gpu_id INTEGER NOT NULL,
    validate_parameters    INTEGER NOT NULL,
    requested_device       INTEGER NOT NULL,
    fell_back              INTEGER NOT NULL,
    threads                INTEGER NOT NULL,
    iterations             INTEGER,
    error                  TEXT NOT NULL DEFAULT '',
    created_at             DATETIME NOT NULL,
    started_at             DATETIME,
    finished_at            DATETIME
)`

const sessionColumns = `id, status, params, unused, require_accelerator,
	seed, seed_per_iteration, nthread, gpu_id, fail_on_invalid_gpu_id, validate_parameters,
	requested_device, fell_back, threads, iterations, error,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a session is not found.
var ErrNotFound = errors.New("session not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	params, err := json.Marshal(nonNilParams(sess.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	unused, err := json.Marshal(nonNilStrings(sess.Unused))
	if err != nil {
		return fmt.Errorf("encode unused params: %w", err)
	}

	st := sess.Settings
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, string(params), string(unused), sess.RequireAccelerator,
		st.Seed, st.SeedPerIteration, st.NThread, st.DeviceID, st.FailOnInvalidDevice, st.ValidateParameters,
		sess.RequestedDevice, sess.FellBack, sess.Threads, sess.Iterations, sess.Error,
		sess.CreatedAt, sess.StartedAt, sess.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a paginated list of sessions ordered by created_at DESC,
// along with the total count of all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// UpdateSessionStatus moves a session to u.Status if the transition is
// allowed. Entering running sets started_at; terminal statuses set
// finished_at, the iteration count and the error message.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, u StatusUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}

	if !model.ValidTransition(current, u.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, u.Status)
	}

	now := time.Now().UTC()
	switch u.Status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, started_at = ? WHERE id = ?",
			u.Status, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, iterations = ?, error = ?, finished_at = ? WHERE id = ?",
			u.Status, u.Iterations, u.Error, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// GetSessionStats returns session counts by status and by resolved device.
func (s *SQLiteStore) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	stats := &SessionStats{
		CountByStatus: make(map[string]int),
		CountByDevice: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT gpu_id, COUNT(*) FROM sessions GROUP BY gpu_id")
	if err != nil {
		return nil, fmt.Errorf("count by device: %w", err)
	}
	for rows.Next() {
		var deviceID, n int
		if err := rows.Scan(&deviceID, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan device count: %w", err)
		}
		stats.CountByDevice[DeviceLabel(deviceID)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE fell_back = 1",
	).Scan(&stats.Fallbacks); err != nil {
		return nil, fmt.Errorf("count fallbacks: %w", err)
	}

	return stats, nil
}

// DeviceLabel names a device ordinal for reporting: "cpu" or "gpu:<n>".
func DeviceLabel(deviceID int) string {
	if deviceID == execctx.CPUDevice {
		return "cpu"
	}
	return "gpu:" + strconv.Itoa(deviceID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var params, unused string
	var iterations sql.NullInt64
	st := &sess.Settings

	if err := row.Scan(
		&sess.ID, &sess.Status, &params, &unused, &sess.RequireAccelerator,
		&st.Seed, &st.SeedPerIteration, &st.NThread, &st.DeviceID, &st.FailOnInvalidDevice, &st.ValidateParameters,
		&sess.RequestedDevice, &sess.FellBack, &sess.Threads, &iterations, &sess.Error,
		&sess.CreatedAt, &sess.StartedAt, &sess.FinishedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &sess.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(unused), &sess.Unused); err != nil {
		return nil, fmt.Errorf("decode unused params: %w", err)
	}
	if len(sess.Unused) == 0 {
		sess.Unused = nil
	}
	if iterations.Valid {
		n := int(iterations.Int64)
		sess.Iterations = &n
	}
	return sess, nil
}

func nonNilParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
