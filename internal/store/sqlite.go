package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"jobrelay/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '#No Title',
  url TEXT NOT NULL,
  delay_ms INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('scheduled','running','completed','failed','cancelled')) DEFAULT 'scheduled',
  creator TEXT NOT NULL DEFAULT 'unspecified',
  response_status INTEGER,
  response_body TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks(creator);
CREATE TABLE IF NOT EXISTS orchestrations (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '#No Title',
  first_url TEXT NOT NULL,
  second_url TEXT NOT NULL,
  condition_url TEXT NOT NULL,
  fallback_url TEXT NOT NULL,
  initial_delay_ms INTEGER NOT NULL,
  condition_delay_ms INTEGER NOT NULL,
  retry_budget INTEGER NOT NULL DEFAULT 0,
  inter_retry_delay_ms INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('scheduled','running','completed-second','completed-fallback','failed-first','failed-condition','failed-second','failed-fallback','cancelled')) DEFAULT 'scheduled',
  creator TEXT NOT NULL DEFAULT 'unspecified',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orchestrations_status_updated ON orchestrations(status, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_orchestrations_creator ON orchestrations(creator);
`
	_, err := db.Exec(schema)
	return err
}

// ListFilter narrows and pages a listing. Zero values mean "no filter";
// Limit <= 0 falls back to the default page size.
type ListFilter struct {
	Status  string
	Creator string
	Limit   int
	Offset  int
}

const defaultListLimit = 100

type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]domain.Task, error)
	TasksInStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)
	// TransitionTask atomically moves a task from one status to another,
	// refreshing updated_at. It reports false when the task is no longer in
	// the from status (or does not exist).
	TransitionTask(ctx context.Context, id string, from, to domain.TaskStatus) (bool, error)
	// FinishTask moves a running task to a terminal status and records the
	// last response. A nil respStatus marks the target as never reached.
	FinishTask(ctx context.Context, id string, to domain.TaskStatus, respStatus *int, respBody string) (bool, error)
	// RescheduleTask stores a new delay and refreshes updated_at, so the due
	// time re-bases from the modification instant. Scheduled tasks only.
	RescheduleTask(ctx context.Context, id string, delayMS int64) (bool, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)

	CreateOrchestration(ctx context.Context, o domain.Orchestration) (domain.Orchestration, error)
	GetOrchestration(ctx context.Context, id string) (domain.Orchestration, error)
	ListOrchestrations(ctx context.Context, f ListFilter) ([]domain.Orchestration, error)
	OrchestrationsInStatus(ctx context.Context, status domain.OrchestrationStatus) ([]domain.Orchestration, error)
	TransitionOrchestration(ctx context.Context, id string, from, to domain.OrchestrationStatus) (bool, error)
	// IncrementAttempts bumps the condition-check attempt counter and returns
	// the new count.
	IncrementAttempts(ctx context.Context, id string) (int, error)
	CountOrchestrationsByStatus(ctx context.Context) (map[string]int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskCols = `id,title,url,delay_ms,status,creator,response_status,response_body,created_at,updated_at`

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Title == "" {
		t.Title = domain.DefaultTitle
	}
	if t.Creator == "" {
		t.Creator = "unspecified"
	}
	if t.Status == "" {
		t.Status = domain.TaskScheduled
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,title,url,delay_ms,status,creator,response_status,response_body,created_at,updated_at)
VALUES (?,?,?,?,?,?,NULL,'',?,?)
`, t.ID, t.Title, t.URL, t.DelayMS, string(t.Status), t.Creator, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var status string
	var respStatus sql.NullInt64
	var createdMS, updatedMS int64
	err := row.Scan(&t.ID, &t.Title, &t.URL, &t.DelayMS, &status, &t.Creator,
		&respStatus, &t.ResponseBody, &createdMS, &updatedMS)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if respStatus.Valid {
		n := int(respStatus.Int64)
		t.ResponseStatus = &n
	}
	t.CreatedAt = time.UnixMilli(createdMS).UTC()
	t.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, f ListFilter) ([]domain.Task, error) {
	q, args := buildList(`SELECT `+taskCols+` FROM tasks`, f)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) TasksInStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return r.ListTasks(ctx, ListFilter{Status: string(status), Limit: -1})
}

func (r *sqliteRepo) TransitionTask(ctx context.Context, id string, from, to domain.TaskStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) FinishTask(ctx context.Context, id string, to domain.TaskStatus, respStatus *int, respBody string) (bool, error) {
	var ns sql.NullInt64
	if respStatus != nil {
		ns = sql.NullInt64{Int64: int64(*respStatus), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status=?, response_status=?, response_body=?, updated_at=?
WHERE id=? AND status=?`,
		string(to), ns, respBody, time.Now().UnixMilli(), id, string(domain.TaskRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) RescheduleTask(ctx context.Context, id string, delayMS int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET delay_ms=?, updated_at=? WHERE id=? AND status=?`,
		delayMS, time.Now().UnixMilli(), id, string(domain.TaskScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	return r.countByStatus(ctx, "tasks")
}

const orcCols = `id,title,first_url,second_url,condition_url,fallback_url,initial_delay_ms,condition_delay_ms,retry_budget,inter_retry_delay_ms,attempts,status,creator,created_at,updated_at`

func (r *sqliteRepo) CreateOrchestration(ctx context.Context, o domain.Orchestration) (domain.Orchestration, error) {
	if o.ID == "" {
		o.ID = "orc_" + uuid.NewString()
	}
	if o.Title == "" {
		o.Title = domain.DefaultTitle
	}
	if o.Creator == "" {
		o.Creator = "unspecified"
	}
	if o.Status == "" {
		o.Status = domain.OrcScheduled
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Attempts = 0
	_, err := r.db.ExecContext(ctx, `
INSERT INTO orchestrations (id,title,first_url,second_url,condition_url,fallback_url,initial_delay_ms,condition_delay_ms,retry_budget,inter_retry_delay_ms,attempts,status,creator,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,0,?,?,?,?)
`, o.ID, o.Title, o.FirstURL, o.SecondURL, o.ConditionURL, o.FallbackURL,
		o.InitialDelayMS, o.ConditionDelayMS, o.RetryBudget, o.InterRetryDelayMS,
		string(o.Status), o.Creator, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return domain.Orchestration{}, err
	}
	return o, nil
}

func scanOrchestration(row interface{ Scan(...any) error }) (domain.Orchestration, error) {
	var o domain.Orchestration
	var status string
	var createdMS, updatedMS int64
	err := row.Scan(&o.ID, &o.Title, &o.FirstURL, &o.SecondURL, &o.ConditionURL,
		&o.FallbackURL, &o.InitialDelayMS, &o.ConditionDelayMS, &o.RetryBudget,
		&o.InterRetryDelayMS, &o.Attempts, &status, &o.Creator, &createdMS, &updatedMS)
	if err != nil {
		return domain.Orchestration{}, err
	}
	o.Status = domain.OrchestrationStatus(status)
	o.CreatedAt = time.UnixMilli(createdMS).UTC()
	o.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return o, nil
}

func (r *sqliteRepo) GetOrchestration(ctx context.Context, id string) (domain.Orchestration, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orcCols+` FROM orchestrations WHERE id=?`, id)
	o, err := scanOrchestration(row)
	if err == sql.ErrNoRows {
		return domain.Orchestration{}, domain.ErrNotFound
	}
	return o, err
}

func (r *sqliteRepo) ListOrchestrations(ctx context.Context, f ListFilter) ([]domain.Orchestration, error) {
	q, args := buildList(`SELECT `+orcCols+` FROM orchestrations`, f)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orcs []domain.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		orcs = append(orcs, o)
	}
	return orcs, rows.Err()
}

func (r *sqliteRepo) OrchestrationsInStatus(ctx context.Context, status domain.OrchestrationStatus) ([]domain.Orchestration, error) {
	return r.ListOrchestrations(ctx, ListFilter{Status: string(status), Limit: -1})
}

func (r *sqliteRepo) TransitionOrchestration(ctx context.Context, id string, from, to domain.OrchestrationStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE orchestrations SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *sqliteRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
UPDATE orchestrations SET attempts=attempts+1, updated_at=? WHERE id=?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRowContext(ctx, `SELECT attempts FROM orchestrations WHERE id=?`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	return n, err
}

func (r *sqliteRepo) CountOrchestrationsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countByStatus(ctx, "orchestrations")
}

func (r *sqliteRepo) countByStatus(ctx context.Context, table string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// buildList appends WHERE/ORDER/LIMIT clauses for a listing query. Most
// recently updated rows come first. Limit -1 disables paging (internal
// callers only).
func buildList(base string, f ListFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.Creator != "" {
		conds = append(conds, "creator=?")
		args = append(args, f.Creator)
	}
	q := base
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY updated_at DESC"
	if f.Limit >= 0 {
		limit := f.Limit
		if limit == 0 {
			limit = defaultListLimit
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	return q, args
}
