package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

// Repository provides project storage over separate writer and reader pools.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewRepository creates the repository and ensures the schema exists.
func NewRepository(pool *db.Pool) (*Repository, error) {
	repo := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize projects schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the projects table if it doesn't exist. Statements run
// one at a time so the same schema works on both sqlite and postgres.
func (r *Repository) initSchema() error {
	if _, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		return err
	}
	_, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_projects_archived ON projects(archived)`)
	return err
}

// Create inserts a new project. ID and timestamps are filled in when empty.
func (r *Repository) Create(ctx context.Context, project *Project) error {
	if project == nil {
		return apperrors.Precondition("project is nil")
	}
	if project.Name == "" {
		return apperrors.Precondition("project name is required")
	}
	if project.Path == "" {
		return apperrors.Precondition("project path is required")
	}
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, name, path, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.Path, dialect.BoolToInt(project.Archived), project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return apperrors.Internal("failed to create project", err)
	}
	return nil
}

// Get retrieves a project by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Project, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, path, archived, created_at, updated_at
		FROM projects WHERE id = ?
	`), id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, apperrors.Internal("failed to get project", err)
	}
	return project, nil
}

// List returns projects newest first. Archived projects are excluded unless
// opts.IncludeArchived is set; opts.Query narrows by name or path.
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]*Project, error) {
	query := `
		SELECT id, name, path, archived, created_at, updated_at
		FROM projects`
	var args []any

	where := ""
	if !opts.IncludeArchived {
		where = " WHERE archived = 0"
	}
	if opts.Query != "" {
		like := dialect.Like(r.ro.DriverName())
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (name %s ? OR path %s ?)", like, like)
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}
	query += where + " ORDER BY created_at DESC"

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.Internal("failed to list projects", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, apperrors.Internal("failed to scan project", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("failed to list projects", err)
	}
	return projects, nil
}

// Update persists name, path, and archived for an existing project.
func (r *Repository) Update(ctx context.Context, project *Project) error {
	if project == nil {
		return apperrors.Precondition("project is nil")
	}
	project.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects
		SET name = ?, path = ?, archived = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.Path, dialect.BoolToInt(project.Archived), project.UpdatedAt, project.ID)
	if err != nil {
		return apperrors.Internal("failed to update project", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", project.ID)
	}
	return nil
}

// Delete removes a project by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return apperrors.Internal("failed to delete project", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}

func scanProject(scanner interface{ Scan(dest ...any) error }) (*Project, error) {
	project := &Project{}
	var archived int
	if err := scanner.Scan(
		&project.ID,
		&project.Name,
		&project.Path,
		&archived,
		&project.CreatedAt,
		&project.UpdatedAt,
	); err != nil {
		return nil, err
	}
	project.Archived = archived == 1
	return project, nil
}
