package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"plato/migrations"
	"plato/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	newLogger = zap.NewProduction
	fatalFn   = func(logger *zap.Logger, msg string, err error) { logger.Fatal(msg, zap.Error(err)) }
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		fatalFn(logger, "db connect failed", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, migrationSource(os.Getenv("MIGRATIONS_DIR")), logger); err != nil {
		fatalFn(logger, "migration failed", err)
	}
}

// migrationSource returns dir as a filesystem when set, otherwise the
// migrations compiled into the binary.
func migrationSource(dir string) fs.FS {
	if dir = strings.TrimSpace(dir); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// validateMigrationName accepts only top-level .sql files of fsys.
func validateMigrationName(name string) error {
	if !fs.ValidPath(name) || path.Dir(name) != "." || path.Ext(name) != ".sql" {
		return fmt.Errorf("migration %q is not a top-level .sql file", name)
	}
	return nil
}

// runMigrations applies every unapplied *.sql file of fsys in lexical order.
// Each file runs in its own transaction together with its schema_migrations
// row, so a failed file leaves no trace and later files are not attempted.
func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logger *zap.Logger) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if fsys == nil {
		return fmt.Errorf("migration source required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		if err := validateMigrationName(file); err != nil {
			return fmt.Errorf("invalid migration path: %w", err)
		}
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, file).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("file", file))
			continue
		}
		sqlBytes, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, file); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", file, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
		applied++
		logger.Info("applied migration", zap.String("file", file))
	}

	logger.Info("migrations complete", zap.Int("files", len(files)), zap.Int("applied", applied))
	return nil
}
