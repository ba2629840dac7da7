package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbworkflows/labflow/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// isUnique reports whether err is a UNIQUE constraint violation. Callers
// map it to a Conflict API error so duplicate registrations are rejected
// with a stable code.
func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// --- Project CRUD ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	s.logger.Debug("sql", "op", "insert", "table", "projects", "projectid", p.ProjectID)

	usersJSON, err := json.Marshal(p.Users)
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (projectid, name, owner, users, description, repo_url, private_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Name, p.Owner, string(usersJSON), p.Description, p.RepoURL, p.PrivateKey,
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("project %q already exists", p.Name))
	}
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	s.logger.Debug("sql", "op", "select", "table", "projects", "projectid", projectID)
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT projectid, name, owner, users, description, repo_url, private_key, created_at, updated_at
		 FROM projects WHERE projectid = ?`, projectID))
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*model.Project, error) {
	s.logger.Debug("sql", "op", "select_by_name", "table", "projects", "name", name)
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT projectid, name, owner, users, description, repo_url, private_key, created_at, updated_at
		 FROM projects WHERE name = ?`, name))
}

// ListProjects returns the projects username owns or is a member of.
func (s *SQLiteStore) ListProjects(ctx context.Context, username string) ([]*model.Project, error) {
	s.logger.Debug("sql", "op", "list", "table", "projects", "username", username)

	rows, err := s.db.QueryContext(ctx,
		`SELECT projectid, name, owner, users, description, repo_url, private_key, created_at, updated_at
		 FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := s.scanProject(rows)
		if err != nil {
			return nil, err
		}
		if p.Owner == username || memberOf(p.Users, username) {
			projects = append(projects, p)
		}
	}
	return projects, rows.Err()
}

func memberOf(users []string, username string) bool {
	for _, u := range users {
		if u == username {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	s.logger.Debug("sql", "op", "update", "table", "projects", "projectid", p.ProjectID)

	usersJSON, err := json.Marshal(p.Users)
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, owner=?, users=?, description=?, repo_url=?, private_key=?, updated_at=?
		 WHERE projectid=?`,
		p.Name, p.Owner, string(usersJSON), p.Description, p.RepoURL, p.PrivateKey,
		p.UpdatedAt.Format(time.RFC3339Nano), p.ProjectID,
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("project name %q already taken", p.Name))
	}
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.NewNotFoundError("project", p.ProjectID)
	}
	return nil
}

// DeleteProject removes the project and, through foreign keys, its
// workflows, runtimes and history.
func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) error {
	s.logger.Debug("sql", "op", "delete", "table", "projects", "projectid", projectID)

	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE projectid = ?`, projectID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.NewNotFoundError("project", projectID)
	}
	return nil
}

// --- Workflow CRUD ---

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "insert", "table", "workflows", "wfid", wf.WFID)

	taskJSON, err := json.Marshal(wf.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	scheduleJSON, err := marshalSchedule(wf.Schedule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (wfid, projectid, alias, task, schedule, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.WFID, wf.ProjectID, wf.Alias, string(taskJSON), scheduleJSON, boolToInt(wf.Enabled),
		wf.CreatedAt.Format(time.RFC3339Nano), wf.UpdatedAt.Format(time.RFC3339Nano),
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("workflow alias %q already registered", wf.Alias))
	}
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, projectID, wfid string) (*model.Workflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "wfid", wfid)
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT wfid, projectid, alias, task, schedule, enabled, created_at, updated_at
		 FROM workflows WHERE projectid = ? AND wfid = ?`, projectID, wfid))
}

func (s *SQLiteStore) GetWorkflowByAlias(ctx context.Context, projectID, alias string) (*model.Workflow, error) {
	s.logger.Debug("sql", "op", "select_by_alias", "table", "workflows", "alias", alias)
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT wfid, projectid, alias, task, schedule, enabled, created_at, updated_at
		 FROM workflows WHERE projectid = ? AND alias = ?`, projectID, alias))
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, projectID string) ([]*model.Workflow, error) {
	s.logger.Debug("sql", "op", "list", "table", "workflows", "projectid", projectID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT wfid, projectid, alias, task, schedule, enabled, created_at, updated_at
		 FROM workflows WHERE projectid = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "update", "table", "workflows", "wfid", wf.WFID)

	taskJSON, err := json.Marshal(wf.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	scheduleJSON, err := marshalSchedule(wf.Schedule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET alias=?, task=?, schedule=?, enabled=?, updated_at=?
		 WHERE projectid=? AND wfid=?`,
		wf.Alias, string(taskJSON), scheduleJSON, boolToInt(wf.Enabled),
		wf.UpdatedAt.Format(time.RFC3339Nano), wf.ProjectID, wf.WFID,
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("workflow alias %q already registered", wf.Alias))
	}
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.NewNotFoundError("workflow", wf.WFID)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, projectID, wfid string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workflows", "wfid", wfid)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE projectid = ? AND wfid = ?`, projectID, wfid)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.NewNotFoundError("workflow", wfid)
	}
	return nil
}

// --- Runtime operations ---

func (s *SQLiteStore) CreateRuntime(ctx context.Context, rt *model.Runtime) error {
	s.logger.Debug("sql", "op", "insert", "table", "runtimes", "runtimeid", rt.RuntimeID)

	specJSON, err := json.Marshal(rt.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runtimes (runtimeid, projectid, name, docker_name, spec, version, registry, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rt.RuntimeID, rt.ProjectID, rt.Name, rt.DockerName, string(specJSON),
		rt.Version, rt.Registry, rt.CreatedAt.Format(time.RFC3339Nano),
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("runtime %s already registered", rt.RuntimeID))
	}
	return err
}

func (s *SQLiteStore) GetRuntime(ctx context.Context, projectID, name, version string) (*model.Runtime, error) {
	s.logger.Debug("sql", "op", "select", "table", "runtimes", "runtimeid", model.RuntimeID(projectID, name, version))
	return s.scanRuntime(s.db.QueryRowContext(ctx,
		`SELECT runtimeid, projectid, name, docker_name, spec, version, registry, created_at
		 FROM runtimes WHERE runtimeid = ?`, model.RuntimeID(projectID, name, version)))
}

// GetLatestRuntime returns the most recently built version of the named
// runtime, or nil when the project has none.
func (s *SQLiteStore) GetLatestRuntime(ctx context.Context, projectID, name string) (*model.Runtime, error) {
	s.logger.Debug("sql", "op", "select_latest", "table", "runtimes", "projectid", projectID, "name", name)
	return s.scanRuntime(s.db.QueryRowContext(ctx,
		`SELECT runtimeid, projectid, name, docker_name, spec, version, registry, created_at
		 FROM runtimes WHERE projectid = ? AND name = ?
		 ORDER BY created_at DESC LIMIT 1`, projectID, name))
}

func (s *SQLiteStore) ListRuntimes(ctx context.Context, projectID string) ([]*model.Runtime, error) {
	s.logger.Debug("sql", "op", "list", "table", "runtimes", "projectid", projectID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT runtimeid, projectid, name, docker_name, spec, version, registry, created_at
		 FROM runtimes WHERE projectid = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runtimes []*model.Runtime
	for rows.Next() {
		rt, err := s.scanRuntime(rows)
		if err != nil {
			return nil, err
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, rows.Err()
}

func (s *SQLiteStore) DeleteRuntime(ctx context.Context, projectID, name, version string) error {
	id := model.RuntimeID(projectID, name, version)
	s.logger.Debug("sql", "op", "delete", "table", "runtimes", "runtimeid", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM runtimes WHERE runtimeid = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.NewNotFoundError("runtime", id)
	}
	return nil
}

// --- History operations ---

func (s *SQLiteStore) CreateHistory(ctx context.Context, projectID string, h *model.HistoryResult) error {
	s.logger.Debug("sql", "op", "insert", "table", "history", "execid", h.ExecID)

	var resultJSON *string
	if h.Result != nil {
		raw, err := json.Marshal(h.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		v := string(raw)
		resultJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (execid, projectid, wfid, status, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		h.ExecID, projectID, h.WFID, h.Status, resultJSON,
		h.CreatedAt.Format(time.RFC3339Nano),
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("history for %s already recorded", h.ExecID))
	}
	return err
}

func (s *SQLiteStore) GetHistory(ctx context.Context, projectID, execID string) (*model.HistoryResult, error) {
	s.logger.Debug("sql", "op", "select", "table", "history", "execid", execID)
	return s.scanHistory(s.db.QueryRowContext(ctx,
		`SELECT execid, wfid, status, result, created_at
		 FROM history WHERE projectid = ? AND execid = ?`, projectID, execID))
}

func (s *SQLiteStore) ListHistory(ctx context.Context, projectID string, limit int) ([]*model.HistoryResult, error) {
	s.logger.Debug("sql", "op", "list", "table", "history", "projectid", projectID, "limit", limit)
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT execid, wfid, status, result, created_at
		 FROM history WHERE projectid = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.HistoryResult
	for rows.Next() {
		h, err := s.scanHistory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

// --- User operations ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	s.logger.Debug("sql", "op", "insert", "table", "users", "username", u.Username)

	scopesJSON, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, scopes, created_at)
		 VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, string(scopesJSON),
		u.CreatedAt.Format(time.RFC3339Nano),
	)
	if isUnique(err) {
		return model.NewConflictError(fmt.Sprintf("user %q already exists", u.Username))
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	s.logger.Debug("sql", "op", "select", "table", "users", "username", username)

	var u model.User
	var scopesJSON, createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, scopes, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.Username, &u.PasswordHash, &scopesJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(scopesJSON), &u.Scopes)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &u, nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanProject(row scanner) (*model.Project, error) {
	var p model.Project
	var usersJSON, createdAt, updatedAt string

	err := row.Scan(&p.ProjectID, &p.Name, &p.Owner, &usersJSON,
		&p.Description, &p.RepoURL, &p.PrivateKey, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(usersJSON), &p.Users)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &p, nil
}

func (s *SQLiteStore) scanWorkflow(row scanner) (*model.Workflow, error) {
	var wf model.Workflow
	var taskJSON, createdAt, updatedAt string
	var scheduleJSON *string
	var enabled int

	err := row.Scan(&wf.WFID, &wf.ProjectID, &wf.Alias, &taskJSON,
		&scheduleJSON, &enabled, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(taskJSON), &wf.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if scheduleJSON != nil {
		var sched model.Schedule
		if err := json.Unmarshal([]byte(*scheduleJSON), &sched); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		wf.Schedule = &sched
	}
	wf.Enabled = enabled != 0
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &wf, nil
}

func (s *SQLiteStore) scanRuntime(row scanner) (*model.Runtime, error) {
	var rt model.Runtime
	var specJSON, createdAt string

	err := row.Scan(&rt.RuntimeID, &rt.ProjectID, &rt.Name, &rt.DockerName,
		&specJSON, &rt.Version, &rt.Registry, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(specJSON), &rt.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	rt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &rt, nil
}

func (s *SQLiteStore) scanHistory(row scanner) (*model.HistoryResult, error) {
	var h model.HistoryResult
	var createdAt string
	var resultJSON *string

	err := row.Scan(&h.ExecID, &h.WFID, &h.Status, &resultJSON, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if resultJSON != nil {
		var res model.ExecutionResult
		if err := json.Unmarshal([]byte(*resultJSON), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		h.Result = &res
	}
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &h, nil
}

func marshalSchedule(sched *model.Schedule) (*string, error) {
	if sched == nil {
		return nil, nil
	}
	raw, err := json.Marshal(sched)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	v := string(raw)
	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
