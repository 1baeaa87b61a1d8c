package project

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/db/dialect"
)

// Provide opens the configured projects database and returns the repository
// plus a cleanup function that closes the underlying pools.
func Provide(cfg *config.Config, log *logger.Logger) (*Repository, func() error, error) {
	pool, err := openPool(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	repo, err := NewRepository(pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	cleanup := func() error {
		if !dialect.IsPostgres(pool.Writer().DriverName()) {
			// Update query planner statistics before closing. Lightweight and
			// safe to call on every close; recommended by SQLite.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
		}
		return pool.Close()
	}
	return repo, cleanup, nil
}

func openPool(cfg *config.Config, log *logger.Logger) (*db.Pool, error) {
	switch cfg.Projects.Driver {
	case dialect.PGX:
		conn, err := db.OpenPostgres(cfg.Projects.DSN, cfg.Projects.MaxConns, cfg.Projects.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres projects database: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		if log != nil {
			log.Info("Projects database initialized", zap.String("db_driver", dialect.PGX))
		}
		// pgx pools internally; writer and reader share the connection.
		return db.NewPool(sqlxDB, sqlxDB), nil

	default:
		path := cfg.Projects.SQLitePath(cfg.Data.Dir)
		writerConn, err := db.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite projects database: %w", err)
		}
		readerConn, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writerConn.Close()
			return nil, fmt.Errorf("failed to open sqlite reader pool: %w", err)
		}
		if log != nil {
			log.Info("Projects database initialized",
				zap.String("db_path", path),
				zap.String("db_driver", dialect.SQLite3))
		}
		writer := sqlx.NewDb(writerConn, dialect.SQLite3)
		reader := sqlx.NewDb(readerConn, dialect.SQLite3)
		return db.NewPool(writer, reader), nil
	}
}
