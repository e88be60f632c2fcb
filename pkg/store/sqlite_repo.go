package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"plato/pkg/audit"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteSchema mirrors migrations/0001_init.sql with SQLite types: times are
// unix milliseconds and JSON columns are TEXT.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	anon_key TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	csrf_token TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pdl_documents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	title TEXT NOT NULL,
	source_text TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pdl_compiles (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	document_id TEXT NOT NULL REFERENCES pdl_documents(id),
	constraints TEXT NOT NULL,
	compile_status TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	compile_id TEXT,
	user_id TEXT NOT NULL REFERENCES users(id),
	screen_id TEXT NOT NULL,
	free_text TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS execution_logs (
	execution_id TEXT PRIMARY KEY,
	route TEXT NOT NULL,
	user_id_anon TEXT NOT NULL,
	fail_class TEXT NOT NULL,
	ok INTEGER NOT NULL,
	user_safe_message TEXT NOT NULL,
	request_json TEXT,
	response_json TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS execution_logs_budget_idx ON execution_logs (user_id_anon, created_at) WHERE ok = 1;
`

// SQLiteRepository is the single-node backend used for local development.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "plato.db"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	repo := &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) EnsureUser(ctx context.Context, anonKey string) (User, error) {
	var u User
	var created int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, anon_key, created_at) VALUES (?, ?, ?)
		ON CONFLICT (anon_key) DO UPDATE SET anon_key = excluded.anon_key
		RETURNING id, anon_key, created_at
	`, uuid.NewString(), anonKey, r.now().UnixMilli()).Scan(&u.ID, &u.AnonKey, &created)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	var expires, created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, csrf_token, expires_at, created_at FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.UserID, &s.CSRFToken, &expires, &created)
	if err != nil {
		return Session{}, sqlNotFound(err, "get session")
	}
	s.ExpiresAt, s.CreatedAt = fromMillis(expires), fromMillis(created)
	return s, nil
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, s Session) (Session, error) {
	var out Session
	var expires, created int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, user_id, csrf_token, expires_at, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET id = excluded.id
		RETURNING id, user_id, csrf_token, expires_at, created_at
	`, s.ID, s.UserID, s.CSRFToken, s.ExpiresAt.UnixMilli(), r.now().UnixMilli()).Scan(&out.ID, &out.UserID, &out.CSRFToken, &expires, &created)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	out.ExpiresAt, out.CreatedAt = fromMillis(expires), fromMillis(created)
	return out, nil
}

func (r *SQLiteRepository) CreateDocumentWithCompile(ctx context.Context, doc Document, c Compile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compile tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	now := r.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pdl_documents (id, user_id, title, source_text, created_at) VALUES (?, ?, ?, ?, ?)
	`, doc.ID, doc.UserID, doc.Title, doc.SourceText, now); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pdl_compiles (id, user_id, document_id, constraints, compile_status, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.DocumentID, string(jsonOrNull(c.Constraints)), c.CompileStatus, now); err != nil {
		return fmt.Errorf("insert compile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compile tx: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCompile(ctx context.Context, id string) (Compile, error) {
	var c Compile
	var constraints string
	var created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, document_id, constraints, compile_status, created_at FROM pdl_compiles WHERE id = ?
	`, id).Scan(&c.ID, &c.UserID, &c.DocumentID, &constraints, &c.CompileStatus, &created)
	if err != nil {
		return Compile{}, sqlNotFound(err, "get compile")
	}
	c.Constraints = json.RawMessage(constraints)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (r *SQLiteRepository) CreateFeedback(ctx context.Context, f Feedback) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO feedback (id, execution_id, compile_id, user_id, screen_id, free_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ExecutionID, nullable(f.CompileID), f.UserID, f.ScreenID, f.FreeText, r.now().UnixMilli()); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) AppendExecution(ctx context.Context, rec audit.Record) error {
	var request *string
	if len(rec.RequestPayload) > 0 {
		s := string(rec.RequestPayload)
		request = &s
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_logs
			(execution_id, route, user_id_anon, fail_class, ok, user_safe_message, request_json, response_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ExecutionID, rec.Route, rec.UserIDAnon, rec.FailClass, rec.OK, rec.UserSafeMessage,
		request, string(jsonOrNull(rec.ResponsePayload)), createdAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CountSuccessfulExecutions(ctx context.Context, userIDAnon string, since time.Time) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM execution_logs WHERE user_id_anon = ? AND ok = 1 AND created_at >= ?
	`, userIDAnon, since.UnixMilli()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) GetExecution(ctx context.Context, executionID string) (audit.Record, error) {
	var rec audit.Record
	var request sql.NullString
	var response string
	var created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT execution_id, route, user_id_anon, fail_class, ok, user_safe_message, request_json, response_json, created_at
		FROM execution_logs WHERE execution_id = ?
	`, executionID).Scan(&rec.ExecutionID, &rec.Route, &rec.UserIDAnon, &rec.FailClass, &rec.OK,
		&rec.UserSafeMessage, &request, &response, &created)
	if err != nil {
		return audit.Record{}, sqlNotFound(err, "get execution")
	}
	if request.Valid {
		rec.RequestPayload = json.RawMessage(request.String)
	}
	rec.ResponsePayload = json.RawMessage(response)
	rec.CreatedAt = fromMillis(created)
	return rec, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() {
	_ = r.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func sqlNotFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
