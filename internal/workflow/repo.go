package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/tidwall/sjson"
)

// ErrNotFound is returned when a workflow lookup resolves to nothing.
var ErrNotFound = errors.New("workflow not found")

const repoSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	description   TEXT NOT NULL DEFAULT '',
	screen_width  INTEGER NOT NULL,
	screen_height INTEGER NOT NULL,
	is_master     INTEGER NOT NULL DEFAULT 0,
	mode_name     TEXT NOT NULL DEFAULT '',
	month_year    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	order_index INTEGER NOT NULL,
	step_type   TEXT NOT NULL,
	fields      TEXT NOT NULL DEFAULT '{}',
	UNIQUE(workflow_id, order_index)
);
`

// Repo is the workflow repository. Steps are stored one row each, with the
// per-type fields in a JSON column so the step table never needs a migration
// when a step type grows a knob.
type Repo struct {
	db *sqlx.DB

	// refExists, when set, is consulted during validation so workflows
	// cannot be saved pointing at templates that do not exist.
	refExists func(ref string) bool
}

// NewRepo opens the repository over db and ensures its schema.
func NewRepo(db *sqlx.DB) (*Repo, error) {
	if _, err := db.Exec(repoSchema); err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &Repo{db: db}, nil
}

// SetTemplateResolver wires template existence checks into validation.
func (r *Repo) SetTemplateResolver(fn func(ref string) bool) { r.refExists = fn }

type workflowRow struct {
	ID           int64     `db:"id"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	ScreenWidth  int       `db:"screen_width"`
	ScreenHeight int       `db:"screen_height"`
	IsMaster     bool      `db:"is_master"`
	ModeName     string    `db:"mode_name"`
	MonthYear    string    `db:"month_year"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (row workflowRow) workflow() *Workflow {
	return &Workflow{
		ID:           row.ID,
		Name:         row.Name,
		Description:  row.Description,
		ScreenWidth:  row.ScreenWidth,
		ScreenHeight: row.ScreenHeight,
		IsMaster:     row.IsMaster,
		ModeName:     row.ModeName,
		MonthYear:    row.MonthYear,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

// encodeStepFields serializes everything about a step except its identity
// columns (order_index, step_type), which live in their own columns.
func encodeStepFields(s Step) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	out := string(raw)
	for _, key := range []string{"order_index", "step_type"} {
		out, err = sjson.Delete(out, key)
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

func decodeStep(orderIndex int, stepType string, fields string) (Step, error) {
	var s Step
	if err := json.Unmarshal([]byte(fields), &s); err != nil {
		return Step{}, fmt.Errorf("decode step %d fields: %w", orderIndex, err)
	}
	s.OrderIndex = orderIndex
	s.Type = StepType(stepType)
	return s, nil
}

// Save inserts w when its ID is zero and replaces it otherwise. Steps are
// rewritten wholesale inside one transaction. The workflow is validated
// first; invalid workflows never reach the database.
func (r *Repo) Save(ctx context.Context, w *Workflow) error {
	w.normalize()
	if err := Validate(w, r.refExists); err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if w.ID == 0 {
		w.CreatedAt = now
		res, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (name, description, screen_width, screen_height, is_master, mode_name, month_year, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.Name, w.Description, w.ScreenWidth, w.ScreenHeight, w.IsMaster, w.ModeName, w.MonthYear, now, now)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		w.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflows SET name = ?, description = ?, screen_width = ?, screen_height = ?,
				is_master = ?, mode_name = ?, month_year = ?, updated_at = ?
			WHERE id = ?`,
			w.Name, w.Description, w.ScreenWidth, w.ScreenHeight, w.IsMaster, w.ModeName, w.MonthYear, now, w.ID)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: id %d", ErrNotFound, w.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, w.ID); err != nil {
			return err
		}
	}
	w.UpdatedAt = now

	for _, s := range w.Steps {
		fields, err := encodeStepFields(s)
		if err != nil {
			return fmt.Errorf("encode step %d: %w", s.OrderIndex, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (workflow_id, order_index, step_type, fields)
			VALUES (?, ?, ?, ?)`,
			w.ID, s.OrderIndex, string(s.Type), fields); err != nil {
			return fmt.Errorf("insert step %d: %w", s.OrderIndex, err)
		}
	}

	// Keep the single-master invariant on every write path.
	if w.IsMaster {
		if _, err := tx.ExecContext(ctx, `UPDATE workflows SET is_master = 0 WHERE id != ?`, w.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get returns the workflow with the given id, steps included.
func (r *Repo) Get(ctx context.Context, id int64) (*Workflow, error) {
	return r.get(ctx, `SELECT * FROM workflows WHERE id = ?`, id)
}

// GetByName returns the workflow named name, steps included.
func (r *Repo) GetByName(ctx context.Context, name string) (*Workflow, error) {
	return r.get(ctx, `SELECT * FROM workflows WHERE name = ?`, name)
}

func (r *Repo) get(ctx context.Context, query string, arg any) (*Workflow, error) {
	var row workflowRow
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w := row.workflow()
	if err := r.loadSteps(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *Repo) loadSteps(ctx context.Context, w *Workflow) error {
	type stepRow struct {
		OrderIndex int    `db:"order_index"`
		StepType   string `db:"step_type"`
		Fields     string `db:"fields"`
	}
	var rows []stepRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT order_index, step_type, fields FROM workflow_steps
		WHERE workflow_id = ? ORDER BY order_index`, w.ID)
	if err != nil {
		return err
	}
	w.Steps = make([]Step, 0, len(rows))
	for _, sr := range rows {
		s, err := decodeStep(sr.OrderIndex, sr.StepType, sr.Fields)
		if err != nil {
			return err
		}
		w.Steps = append(w.Steps, s)
	}
	w.normalize()
	return nil
}

// List returns workflow headers (no steps), newest first.
func (r *Repo) List(ctx context.Context) ([]*Workflow, error) {
	var rows []workflowRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM workflows ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.workflow())
	}
	return out, nil
}

// Delete removes a workflow and its steps.
func (r *Repo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return tx.Commit()
}

// SetMaster makes id the single master workflow, clearing the flag from any
// previous holder in the same transaction.
func (r *Repo) SetMaster(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET is_master = 0 WHERE is_master = 1`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET is_master = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return tx.Commit()
}

// Master returns the current master workflow, if any.
func (r *Repo) Master(ctx context.Context) (*Workflow, error) {
	return r.get(ctx, `SELECT * FROM workflows WHERE is_master = 1 LIMIT ?`, 1)
}

// ForMode resolves the workflow to run for a scheduled mode in the given
// month (format "2006-01"). Exact (mode, month) matches win, master first
// among them; when the month has no entry, the newest workflow for the mode
// is used regardless of month.
func (r *Repo) ForMode(ctx context.Context, mode, monthYear string) (*Workflow, error) {
	if monthYear == "" {
		monthYear = time.Now().Format("2006-01")
	}

	var row workflowRow
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM workflows WHERE mode_name = ? AND month_year = ?
		ORDER BY is_master DESC, updated_at DESC LIMIT 1`, mode, monthYear)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.db.GetContext(ctx, &row, `
			SELECT * FROM workflows WHERE mode_name = ?
			ORDER BY updated_at DESC LIMIT 1`, mode)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mode %q", ErrNotFound, mode)
	}
	if err != nil {
		return nil, err
	}

	w := row.workflow()
	if err := r.loadSteps(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}
