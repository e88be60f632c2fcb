package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"plato/pkg/audit"
)

func openTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func TestSQLiteRepositoryUsersAndSessions(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()

	first, err := repo.EnsureUser(ctx, "anon_1")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	again, err := repo.EnsureUser(ctx, "anon_1")
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if first.ID == "" || first.ID != again.ID {
		t.Fatalf("expected stable user id, got %q and %q", first.ID, again.ID)
	}

	if _, err := repo.GetSession(ctx, "sess_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	created, err := repo.CreateSession(ctx, Session{ID: "sess_1", UserID: first.ID, CSRFToken: "tok-1", ExpiresAt: expires})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.CSRFToken != "tok-1" || !created.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected session: %+v", created)
	}
	dup, err := repo.CreateSession(ctx, Session{ID: "sess_1", UserID: first.ID, CSRFToken: "tok-2", ExpiresAt: expires})
	if err != nil {
		t.Fatalf("duplicate session: %v", err)
	}
	if dup.CSRFToken != "tok-1" {
		t.Fatalf("expected existing token kept on conflict, got %q", dup.CSRFToken)
	}
	got, err := repo.GetSession(ctx, "sess_1")
	if err != nil || got.UserID != first.ID {
		t.Fatalf("get session: %+v err=%v", got, err)
	}
}

func TestSQLiteRepositoryCompileRoundTrip(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	u, _ := repo.EnsureUser(ctx, "anon_2")

	constraints := json.RawMessage(`{"modules":[{"name":"core","entries":[]}],"flatRules":[]}`)
	err := repo.CreateDocumentWithCompile(ctx,
		Document{ID: "d1", UserID: u.ID, Title: "Untitled PDL", SourceText: "Module:core:main"},
		Compile{ID: "c1", UserID: u.ID, DocumentID: "d1", Constraints: constraints, CompileStatus: CompileStatusCompiled})
	if err != nil {
		t.Fatalf("create compile: %v", err)
	}
	c, err := repo.GetCompile(ctx, "c1")
	if err != nil {
		t.Fatalf("get compile: %v", err)
	}
	if string(c.Constraints) != string(constraints) || c.CompileStatus != "compiled" || c.DocumentID != "d1" {
		t.Fatalf("unexpected compile: %+v", c)
	}
	if _, err := repo.GetCompile(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A failing second insert leaves no orphan document behind.
	err = repo.CreateDocumentWithCompile(ctx,
		Document{ID: "d2", UserID: u.ID, Title: "t", SourceText: "s"},
		Compile{ID: "c1", UserID: u.ID, DocumentID: "d2", Constraints: constraints, CompileStatus: CompileStatusCompiled})
	if err == nil {
		t.Fatal("expected duplicate compile id failure")
	}
	var n int
	if err := repo.db.QueryRowContext(ctx, `SELECT count(*) FROM pdl_documents WHERE id = 'd2'`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("expected rollback of document, count=%d err=%v", n, err)
	}
}

func TestSQLiteRepositoryExecutionsAndFeedback(t *testing.T) {
	repo := openTestSQLite(t)
	ctx := context.Background()
	u, _ := repo.EnsureUser(ctx, "anon_3")
	now := time.Now().UTC()

	records := []audit.Record{
		{ExecutionID: "e1", Route: "/api/validate", UserIDAnon: u.ID, FailClass: "ok", OK: true, UserSafeMessage: "PDL validation succeeded.",
			RequestPayload: json.RawMessage(`{"sourceText":"x"}`), ResponsePayload: json.RawMessage(`{"ok":true}`), CreatedAt: now},
		{ExecutionID: "e2", Route: "/api/validate", UserIDAnon: u.ID, FailClass: "rate_limited", UserSafeMessage: "Request rate exceeded. Please try again later.",
			ResponsePayload: json.RawMessage(`{"ok":false}`), CreatedAt: now},
		{ExecutionID: "e3", Route: "/api/check", UserIDAnon: u.ID, FailClass: "ok", OK: true,
			ResponsePayload: json.RawMessage(`{"ok":true}`), CreatedAt: now.Add(-25 * time.Hour)},
	}
	for _, rec := range records {
		if err := repo.AppendExecution(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.ExecutionID, err)
		}
	}
	n, err := repo.CountSuccessfulExecutions(ctx, u.ID, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 successful execution in window, got %d err=%v", n, err)
	}

	rec, err := repo.GetExecution(ctx, "e2")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if rec.RequestPayload != nil || rec.OK || rec.FailClass != "rate_limited" {
		t.Fatalf("unexpected blocked record: %+v", rec)
	}
	rec, _ = repo.GetExecution(ctx, "e1")
	if string(rec.RequestPayload) != `{"sourceText":"x"}` || !rec.OK {
		t.Fatalf("unexpected ok record: %+v", rec)
	}

	if err := repo.CreateFeedback(ctx, Feedback{ID: "f1", ExecutionID: "e1", UserID: u.ID, ScreenID: "studio", FreeText: "works"}); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	var compileID *string
	if err := repo.db.QueryRowContext(ctx, `SELECT compile_id FROM feedback WHERE id = 'f1'`).Scan(&compileID); err != nil || compileID != nil {
		t.Fatalf("expected NULL compile_id, got %v err=%v", compileID, err)
	}
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	if (Session{ExpiresAt: now.Add(time.Second)}).Expired(now) {
		t.Fatal("future expiry reported expired")
	}
	if !(Session{ExpiresAt: now}).Expired(now) {
		t.Fatal("expiry at now should be expired")
	}
	if (Session{}).Expired(now) {
		t.Fatal("zero expiry should never expire")
	}
}
