package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/toolgate/internal/model"
)

// SQLiteStore is the durable store implementation. One handle serves both
// the token and the task tables, so a gateway restart keeps in-flight leases
// and unredeemed tokens.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tokens (
	token          TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	tool_name      TEXT NOT NULL,
	action_preview TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	expires_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id         TEXT NOT NULL UNIQUE,
	workspace_id         TEXT NOT NULL,
	capability           TEXT NOT NULL,
	payload              BLOB,
	status               TEXT NOT NULL,
	lease_id             TEXT,
	lease_owner          TEXT,
	lease_expires_at     TEXT,
	lease_epoch          INTEGER NOT NULL DEFAULT 0,
	cumulative_lease_sec INTEGER NOT NULL DEFAULT 0,
	attempts             INTEGER NOT NULL DEFAULT 0,
	progress_pct         INTEGER,
	progress_message     TEXT,
	result               BLOB,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_lease_owner ON tasks(lease_owner);
`

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite handles one writer at a time; the driver serializes for us as
	// long as we keep a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- TokenStore ---

func (s *SQLiteStore) Put(ctx context.Context, tok model.ConfirmToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (token, workspace_id, tool_name, action_preview, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tok.Token, tok.WorkspaceID, tok.ToolName, tok.ActionPreview,
		tok.CreatedAt.UTC().Format(time.RFC3339), tok.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Take(ctx context.Context, token string) (model.ConfirmToken, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ConfirmToken{}, false, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	var tok model.ConfirmToken
	var createdAt, expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT token, workspace_id, tool_name, action_preview, created_at, expires_at
		 FROM tokens WHERE token = ?`, token).
		Scan(&tok.Token, &tok.WorkspaceID, &tok.ToolName, &tok.ActionPreview, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConfirmToken{}, false, nil
	}
	if err != nil {
		return model.ConfirmToken{}, false, fmt.Errorf("select token: %w", err)
	}

	if tok.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return model.ConfirmToken{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	if tok.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return model.ConfirmToken{}, false, fmt.Errorf("parse expires_at: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token); err != nil {
		return model.ConfirmToken{}, false, fmt.Errorf("delete token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ConfirmToken{}, false, fmt.Errorf("commit take: %w", err)
	}
	return tok, true, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at < ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("sweep tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- TaskStore ---

func (s *SQLiteStore) Enqueue(ctx context.Context, task model.Task) error {
	result, err := encodeResult(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks
		 (execution_id, workspace_id, capability, payload, status,
		  lease_id, lease_owner, lease_expires_at, lease_epoch,
		  cumulative_lease_sec, attempts, progress_pct, progress_message,
		  result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ExecutionID, task.WorkspaceID, task.Capability, []byte(task.Payload), string(task.Status),
		task.LeaseID, task.LeaseOwner, task.LeaseExpiresAt, task.LeaseEpoch,
		task.CumulativeLeaseSec, task.Attempts, task.ProgressPct, task.ProgressMessage,
		result, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ExecutionID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, executionID string) (model.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE execution_id = ?`, executionID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, err
	}
	return task, true, nil
}

func (s *SQLiteStore) Update(ctx context.Context, task model.Task, expectLease string) error {
	result, err := encodeResult(task.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
		   status = ?, lease_id = ?, lease_owner = ?, lease_expires_at = ?,
		   lease_epoch = ?, cumulative_lease_sec = ?, attempts = ?,
		   progress_pct = ?, progress_message = ?, result = ?, updated_at = ?
		 WHERE execution_id = ? AND COALESCE(lease_id, '') = ?`,
		string(task.Status), task.LeaseID, task.LeaseOwner, task.LeaseExpiresAt,
		task.LeaseEpoch, task.CumulativeLeaseSec, task.Attempts,
		task.ProgressPct, task.ProgressMessage, result, task.UpdatedAt,
		task.ExecutionID, expectLease)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ExecutionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE execution_id = ?`, task.ExecutionID).Scan(&exists); err != nil {
			return fmt.Errorf("check task %s: %w", task.ExecutionID, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrLeaseConflict
	}
	return nil
}

func (s *SQLiteStore) ListReservable(ctx context.Context, workspaceID string, limit int, now time.Time) ([]model.Task, error) {
	nowStr := now.UTC().Format(time.RFC3339)
	query := taskSelect + `
		 WHERE status NOT IN ('completed', 'failed')
		   AND (status = 'pending' OR lease_expires_at IS NULL OR lease_expires_at <= ?)`
	args := []any{nowStr}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listTasks(ctx, query, args...)
}

func (s *SQLiteStore) ListLeasedBy(ctx context.Context, clientID string) ([]model.Task, error) {
	return s.listTasks(ctx,
		taskSelect+` WHERE status NOT IN ('completed', 'failed') AND lease_owner = ? ORDER BY seq`,
		clientID)
}

const taskSelect = `
	SELECT execution_id, workspace_id, capability, payload, status,
	       lease_id, lease_owner, lease_expires_at, lease_epoch,
	       cumulative_lease_sec, attempts, progress_pct, progress_message,
	       result, created_at, updated_at
	FROM tasks`

func (s *SQLiteStore) listTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var task model.Task
	var payload, result []byte
	var status string
	err := row.Scan(
		&task.ExecutionID, &task.WorkspaceID, &task.Capability, &payload, &status,
		&task.LeaseID, &task.LeaseOwner, &task.LeaseExpiresAt, &task.LeaseEpoch,
		&task.CumulativeLeaseSec, &task.Attempts, &task.ProgressPct, &task.ProgressMessage,
		&result, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return model.Task{}, err
	}
	task.Status = model.Status(status)
	task.Payload = payload
	if len(result) > 0 {
		task.Result = &model.TaskResult{}
		if err := json.Unmarshal(result, task.Result); err != nil {
			return model.Task{}, fmt.Errorf("decode result for %s: %w", task.ExecutionID, err)
		}
	}
	return task, nil
}

func encodeResult(r *model.TaskResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
