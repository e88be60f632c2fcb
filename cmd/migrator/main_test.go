package main

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"plato/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{values: []any{false}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *bool:
			v, ok := r.values[i].(bool)
			if !ok {
				return errors.New("expected bool")
			}
			*d = v
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	execSQL       []string
	commitErr     error
	rollbackErr   error
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return t.rollbackErr
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func oneFile() fs.FS {
	return fstest.MapFS{"001.sql": &fstest.MapFile{Data: []byte("SELECT 1;")}}
}

func unapplied() *fakeMigratorDB {
	return &fakeMigratorDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeMigratorRow{values: []any{false}}
		},
	}
}

func TestValidateMigrationName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ok   bool
	}{
		{name: "0001_init.sql", ok: true},
		{name: "../outside.sql"},
		{name: "other/001_init.sql"},
		{name: "/abs.sql"},
		{name: "notes.txt"},
	}
	for _, tc := range cases {
		if err := validateMigrationName(tc.name); (err == nil) != tc.ok {
			t.Fatalf("%q: got err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestRunMigrationsSuccessAndSkip(t *testing.T) {
	db := &fakeMigratorDB{}
	tx := &fakeMigratorTx{}
	db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		if args[0].(string) == "001_init.sql" {
			return fakeMigratorRow{values: []any{true}}
		}
		return fakeMigratorRow{values: []any{false}}
	}
	fsys := fstest.MapFS{
		"002_add.sql":  &fstest.MapFile{Data: []byte("ALTER TABLE x ADD COLUMN y INT;")},
		"001_init.sql": &fstest.MapFile{Data: []byte("CREATE TABLE x (id INT);")},
		"README.md":    &fstest.MapFile{Data: []byte("not sql")},
		"sub/003.sql":  &fstest.MapFile{Data: []byte("SELECT 3;")},
	}
	core, logs := observer.New(zap.InfoLevel)

	if err := runMigrations(context.Background(), db, fsys, zap.New(core)); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if len(tx.execSQL) != 2 || tx.execSQL[0] != "ALTER TABLE x ADD COLUMN y INT;" {
		t.Fatalf("expected only 002_add.sql to be applied, got %#v", tx.execSQL)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollback calls: %d", tx.rollbackCalls)
	}
	applied := logs.FilterMessage("applied migration").All()
	if len(applied) != 1 || applied[0].ContextMap()["file"] != "002_add.sql" {
		t.Fatalf("unexpected applied logs: %#v", applied)
	}
	summary := logs.FilterMessage("migrations complete").All()
	if len(summary) != 1 || summary[0].ContextMap()["applied"] != int64(1) {
		t.Fatalf("unexpected summary logs: %#v", summary)
	}
}

func TestRunMigrationsEmbeddedSchema(t *testing.T) {
	tx := &fakeMigratorTx{}
	db := unapplied()
	db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
	if err := runMigrations(context.Background(), db, migrationSource(""), nil); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if len(tx.execSQL) < 2 {
		t.Fatalf("expected embedded migration to run, got %#v", tx.execSQL)
	}
	for _, table := range []string{"users", "sessions", "pdl_documents", "pdl_compiles", "feedback", "execution_logs"} {
		if !strings.Contains(tx.execSQL[0], "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected %s in embedded schema", table)
		}
	}
	if _, err := fs.Stat(migrations.FS, "0001_init.sql"); err != nil {
		t.Fatalf("expected embedded 0001_init.sql: %v", err)
	}
}

func TestMigrationSourceFromDir(t *testing.T) {
	dir := t.TempDir()
	fsys := migrationSource("  " + dir + " ")
	if _, err := fs.Glob(fsys, "*.sql"); err != nil {
		t.Fatalf("glob dir source: %v", err)
	}
	if fsys == fs.FS(migrations.FS) {
		t.Fatal("expected directory source, got embedded migrations")
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	t.Run("db required", func(t *testing.T) {
		err := runMigrations(context.Background(), nil, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "db required") {
			t.Fatalf("expected db required error, got %v", err)
		}
	})

	t.Run("source required", func(t *testing.T) {
		err := runMigrations(context.Background(), &fakeMigratorDB{}, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "migration source required") {
			t.Fatalf("expected source error, got %v", err)
		}
	})

	t.Run("create table failure", func(t *testing.T) {
		db := &fakeMigratorDB{
			execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			},
		}
		err := runMigrations(context.Background(), db, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("expected create schema error, got %v", err)
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		db := &fakeMigratorDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeMigratorRow{err: errors.New("lookup fail")}
			},
		}
		err := runMigrations(context.Background(), db, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("expected lookup error, got %v", err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		fsys := fstest.MapFS{"001.sql": &fstest.MapFile{Mode: fs.ModeDir}}
		err := runMigrations(context.Background(), unapplied(), fsys, nil)
		if err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("begin failure", func(t *testing.T) {
		db := unapplied()
		db.beginFn = func(ctx context.Context) (pgx.Tx, error) {
			return nil, errors.New("begin fail")
		}
		err := runMigrations(context.Background(), db, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "begin migration tx") {
			t.Fatalf("expected begin error, got %v", err)
		}
	})

	t.Run("apply failure rollbacks", func(t *testing.T) {
		tx := &fakeMigratorTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("apply fail")
			},
		}
		db := unapplied()
		db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
		err := runMigrations(context.Background(), db, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration") {
			t.Fatalf("expected apply error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback on apply failure, got %d", tx.rollbackCalls)
		}
	})

	t.Run("mark failure rollbacks", func(t *testing.T) {
		execCalls := 0
		tx := &fakeMigratorTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				execCalls++
				if execCalls == 2 {
					return pgconn.CommandTag{}, errors.New("mark fail")
				}
				return pgconn.NewCommandTag("EXEC 1"), nil
			},
		}
		db := unapplied()
		db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
		err := runMigrations(context.Background(), db, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "mark migration") {
			t.Fatalf("expected mark error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback on mark failure, got %d", tx.rollbackCalls)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		tx := &fakeMigratorTx{commitErr: errors.New("commit fail")}
		db := unapplied()
		db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
		err := runMigrations(context.Background(), db, oneFile(), nil)
		if err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("expected commit error, got %v", err)
		}
	})
}
