package workflowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

type workflowRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Status    string `db:"status"`
	Document  string `db:"document"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// SQLiteStore implements Store on a database opened with storage/sqlite.
// The full document lives in a JSON column; status is denormalized for
// filtering.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore wraps an already migrated database.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Save(ctx context.Context, wf *types.Workflow) error {
	if err := validate(wf); err != nil {
		return err
	}

	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	row := workflowRow{
		ID:        wf.ID,
		Name:      wf.Name,
		Status:    string(wf.Status),
		Document:  string(doc),
		CreatedAt: wf.CreatedAt.UnixMilli(),
		UpdatedAt: wf.UpdatedAt.UnixMilli(),
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO workflows (id, name, status, document, created_at, updated_at)
		VALUES (:id, :name, :status, :document, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status,
		document = excluded.document, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Workflow, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return decodeWorkflow(doc)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	query := `SELECT document FROM workflows`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Offset)
	}

	var docs []string
	if err := s.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	workflows := make([]*types.Workflow, 0, len(docs))
	for _, doc := range docs {
		wf, err := decodeWorkflow(doc)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

func decodeWorkflow(doc string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

var _ Store = (*SQLiteStore)(nil)
