package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// taskRow is the tasks table layout.
type taskRow struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	Status      string         `db:"status"`
	Params      sql.NullString `db:"params"`
	Result      sql.NullString `db:"result"`
	Error       string         `db:"error"`
	Progress    int            `db:"progress"`
	RemoteID    string         `db:"remote_id"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
}

const selectTask = `SELECT id, type, status, params, result, error, progress, remote_id,
	created_at, updated_at, completed_at FROM tasks`

// SQLiteStore implements Store on a database opened with storage/sqlite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Create(ctx context.Context, task *types.Task) error {
	if err := validate(task); err != nil {
		return err
	}
	prepare(task, time.Now().UTC())

	row, err := toRow(task)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO tasks
		(id, type, status, params, result, error, progress, remote_id, created_at, updated_at, completed_at)
		VALUES (:id, :type, :status, :params, :result, :error, :progress, :remote_id, :created_at, :updated_at, :completed_at)`,
		row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, selectTask+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return fromRow(&row)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, update *types.TaskUpdate) (*types.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current taskRow
	err = tx.GetContext(ctx, &current, selectTask+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	task, err := fromRow(&current)
	if err != nil {
		return nil, err
	}
	if update != nil {
		update.Apply(task, time.Now().UTC())
	}
	row, err := toRow(task)
	if err != nil {
		return nil, err
	}

	_, err = tx.NamedExecContext(ctx, `UPDATE tasks SET status = :status, params = :params,
		result = :result, error = :error, progress = :progress, remote_id = :remote_id,
		updated_at = :updated_at, completed_at = :completed_at WHERE id = :id`, row)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts *ListOptions) ([]*types.Task, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	query := selectTask
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		task, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

func toRow(task *types.Task) (*taskRow, error) {
	row := &taskRow{
		ID:        task.ID,
		Type:      string(task.Type),
		Status:    string(task.Status),
		Error:     task.Error,
		Progress:  task.Progress,
		RemoteID:  task.RemoteID,
		CreatedAt: task.CreatedAt.UnixMilli(),
		UpdatedAt: task.UpdatedAt.UnixMilli(),
	}
	if task.Params != nil {
		b, err := json.Marshal(task.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		row.Params = sql.NullString{String: string(b), Valid: true}
	}
	if task.Result != nil {
		b, err := json.Marshal(task.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		row.Result = sql.NullString{String: string(b), Valid: true}
	}
	if task.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: task.CompletedAt.UnixMilli(), Valid: true}
	}
	return row, nil
}

func fromRow(row *taskRow) (*types.Task, error) {
	task := &types.Task{
		ID:        row.ID,
		Type:      types.TaskType(row.Type),
		Status:    types.TaskStatus(row.Status),
		Error:     row.Error,
		Progress:  row.Progress,
		RemoteID:  row.RemoteID,
		CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if row.CompletedAt.Valid {
		ts := time.UnixMilli(row.CompletedAt.Int64).UTC()
		task.CompletedAt = &ts
	}
	if row.Params.Valid && row.Params.String != "" {
		if err := json.Unmarshal([]byte(row.Params.String), &task.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if row.Result.Valid && row.Result.String != "" {
		if err := json.Unmarshal([]byte(row.Result.String), &task.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return task, nil
}

var _ Store = (*SQLiteStore)(nil)
