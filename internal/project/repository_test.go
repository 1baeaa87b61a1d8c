package project

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writerConn, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerConn, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writerConn, dialect.SQLite3), sqlx.NewDb(readerConn, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := NewRepository(pool)
	require.NoError(t, err)
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := &Project{Name: "backend", Path: "/home/dev/backend"}
	require.NoError(t, repo.Create(ctx, p))
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "backend", got.Name)
	assert.Equal(t, "/home/dev/backend", got.Path)
	assert.False(t, got.Archived)
}

func TestRepository_Create_Validation(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	err := repo.Create(ctx, nil)
	assert.True(t, apperrors.IsPrecondition(err))

	err = repo.Create(ctx, &Project{Path: "/tmp"})
	assert.True(t, apperrors.IsPrecondition(err))

	err = repo.Create(ctx, &Project{Name: "no-path"})
	assert.True(t, apperrors.IsPrecondition(err))
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRepository_List(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	first := &Project{Name: "alpha", Path: "/srv/alpha"}
	require.NoError(t, repo.Create(ctx, first))
	time.Sleep(10 * time.Millisecond)

	second := &Project{Name: "beta", Path: "/srv/beta"}
	require.NoError(t, repo.Create(ctx, second))
	time.Sleep(10 * time.Millisecond)

	archived := &Project{Name: "old", Path: "/srv/old"}
	require.NoError(t, repo.Create(ctx, archived))
	archived.Archived = true
	require.NoError(t, repo.Update(ctx, archived))

	// Default listing excludes archived, newest first.
	projects, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "beta", projects[0].Name)
	assert.Equal(t, "alpha", projects[1].Name)

	// Archived included on request.
	projects, err = repo.List(ctx, ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, projects, 3)

	// Query matches names.
	projects, err = repo.List(ctx, ListOptions{Query: "alph"})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "alpha", projects[0].Name)

	// Query matches paths too.
	projects, err = repo.List(ctx, ListOptions{Query: "/srv/beta"})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "beta", projects[0].Name)

	// Query that matches nothing.
	projects, err = repo.List(ctx, ListOptions{Query: "zzz"})
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestRepository_Update(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := &Project{Name: "web", Path: "/srv/web"}
	require.NoError(t, repo.Create(ctx, p))

	p.Name = "web-renamed"
	p.Archived = true
	require.NoError(t, repo.Update(ctx, p))

	got, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-renamed", got.Name)
	assert.True(t, got.Archived)

	err = repo.Update(ctx, &Project{ID: "missing", Name: "x", Path: "/x"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRepository_Delete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	p := &Project{Name: "gone", Path: "/srv/gone"}
	require.NoError(t, repo.Create(ctx, p))

	require.NoError(t, repo.Delete(ctx, p.ID))

	_, err := repo.Get(ctx, p.ID)
	assert.True(t, apperrors.IsNotFound(err))

	err = repo.Delete(ctx, p.ID)
	assert.True(t, apperrors.IsNotFound(err))
}
