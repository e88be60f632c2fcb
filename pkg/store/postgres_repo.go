package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plato/pkg/audit"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDB is the subset of *pgxpool.Pool the repository needs.
type PostgresDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresRepository struct {
	db PostgresDB
}

func NewPostgresRepository(db PostgresDB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureUser(ctx context.Context, anonKey string) (User, error) {
	var u User
	err := r.db.QueryRow(ctx, `
		INSERT INTO users (id, anon_key) VALUES ($1, $2)
		ON CONFLICT (anon_key) DO UPDATE SET anon_key = EXCLUDED.anon_key
		RETURNING id, anon_key, created_at
	`, uuid.NewString(), anonKey).Scan(&u.ID, &u.AnonKey, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, csrf_token, expires_at, created_at
		FROM sessions WHERE id=$1
	`, id).Scan(&s.ID, &s.UserID, &s.CSRFToken, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return Session{}, notFound(err, "get session")
	}
	return s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, s Session) (Session, error) {
	var out Session
	err := r.db.QueryRow(ctx, `
		INSERT INTO sessions (id, user_id, csrf_token, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, user_id, csrf_token, expires_at, created_at
	`, s.ID, s.UserID, s.CSRFToken, s.ExpiresAt.UTC()).Scan(&out.ID, &out.UserID, &out.CSRFToken, &out.ExpiresAt, &out.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) CreateDocumentWithCompile(ctx context.Context, doc Document, c Compile) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin compile tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `
		INSERT INTO pdl_documents (id, user_id, title, source_text) VALUES ($1, $2, $3, $4)
	`, doc.ID, doc.UserID, doc.Title, doc.SourceText); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO pdl_compiles (id, user_id, document_id, constraints, compile_status) VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.UserID, c.DocumentID, jsonOrNull(c.Constraints), c.CompileStatus); err != nil {
		return fmt.Errorf("insert compile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit compile tx: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCompile(ctx context.Context, id string) (Compile, error) {
	var c Compile
	var constraints []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, document_id, constraints, compile_status, created_at
		FROM pdl_compiles WHERE id=$1
	`, id).Scan(&c.ID, &c.UserID, &c.DocumentID, &constraints, &c.CompileStatus, &c.CreatedAt)
	if err != nil {
		return Compile{}, notFound(err, "get compile")
	}
	c.Constraints = json.RawMessage(constraints)
	return c, nil
}

func (r *PostgresRepository) CreateFeedback(ctx context.Context, f Feedback) error {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO feedback (id, execution_id, compile_id, user_id, screen_id, free_text)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, f.ID, f.ExecutionID, nullable(f.CompileID), f.UserID, f.ScreenID, f.FreeText); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendExecution(ctx context.Context, rec audit.Record) error {
	var request any
	if len(rec.RequestPayload) > 0 {
		request = rec.RequestPayload
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := r.db.Exec(ctx, `
		INSERT INTO execution_logs
			(execution_id, route, user_id_anon, fail_class, ok, user_safe_message, request_json, response_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ExecutionID, rec.Route, rec.UserIDAnon, rec.FailClass, rec.OK, rec.UserSafeMessage,
		request, jsonOrNull(rec.ResponsePayload), createdAt); err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountSuccessfulExecutions(ctx context.Context, userIDAnon string, since time.Time) (int, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM execution_logs
		WHERE user_id_anon=$1 AND ok AND created_at >= $2
	`, userIDAnon, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return int(n), nil
}

func (r *PostgresRepository) GetExecution(ctx context.Context, executionID string) (audit.Record, error) {
	var rec audit.Record
	var request, response []byte
	err := r.db.QueryRow(ctx, `
		SELECT execution_id, route, user_id_anon, fail_class, ok, user_safe_message, request_json, response_json, created_at
		FROM execution_logs WHERE execution_id=$1
	`, executionID).Scan(&rec.ExecutionID, &rec.Route, &rec.UserIDAnon, &rec.FailClass, &rec.OK,
		&rec.UserSafeMessage, &request, &response, &rec.CreatedAt)
	if err != nil {
		return audit.Record{}, notFound(err, "get execution")
	}
	rec.RequestPayload = request
	rec.ResponsePayload = response
	return rec, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if p, ok := r.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	var one int
	return r.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func (r *PostgresRepository) Close() {
	if c, ok := r.db.(interface{ Close() }); ok {
		c.Close()
	}
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
