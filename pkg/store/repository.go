package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"plato/pkg/audit"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const CompileStatusCompiled = "compiled"

type User struct {
	ID        string
	AnonKey   string
	CreatedAt time.Time
}

type Session struct {
	ID        string
	UserID    string
	CSRFToken string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Document struct {
	ID         string
	UserID     string
	Title      string
	SourceText string
	CreatedAt  time.Time
}

type Compile struct {
	ID            string
	UserID        string
	DocumentID    string
	Constraints   json.RawMessage
	CompileStatus string
	CreatedAt     time.Time
}

type Feedback struct {
	ID          string
	ExecutionID string
	// CompileID is empty when the feedback is not tied to a compile.
	CompileID string
	UserID    string
	ScreenID  string
	FreeText  string
	CreatedAt time.Time
}

// Repository is the persistence surface of the studio service. Both the
// Postgres and the SQLite backends implement it.
type Repository interface {
	audit.Store

	// EnsureUser returns the user for anonKey, creating it when absent.
	EnsureUser(ctx context.Context, anonKey string) (User, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// CreateSession inserts s. When a row with the same id already exists
	// the stored row is returned unchanged.
	CreateSession(ctx context.Context, s Session) (Session, error)
	// CreateDocumentWithCompile writes both rows in one transaction.
	CreateDocumentWithCompile(ctx context.Context, doc Document, c Compile) error
	GetCompile(ctx context.Context, id string) (Compile, error)
	CreateFeedback(ctx context.Context, f Feedback) error
	Ping(ctx context.Context) error
	Close()
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func jsonOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
