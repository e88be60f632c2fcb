package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Record is the append-only trail entry written once per guarded request.
type Record struct {
	ExecutionID     string          `json:"executionId"`
	Route           string          `json:"route"`
	UserIDAnon      string          `json:"userIdAnon"`
	FailClass       string          `json:"failClass"`
	OK              bool            `json:"ok"`
	UserSafeMessage string          `json:"userSafeMessage"`
	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	ResponsePayload json.RawMessage `json:"responsePayload"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Store persists execution records.
type Store interface {
	AppendExecution(ctx context.Context, rec Record) error
	CountSuccessfulExecutions(ctx context.Context, userIDAnon string, since time.Time) (int, error)
	GetExecution(ctx context.Context, executionID string) (Record, error)
}

type Writer struct {
	Store    Store
	HashSalt []byte
	Redact   bool
	Now      func() time.Time
}

var errNoStore = errors.New("audit store not configured")

// Prepare returns rec as it will be stored: timestamped and, when Redact is
// set, with user text hashed. Anything that leaves the process should carry
// the prepared form.
func (w *Writer) Prepare(rec Record) Record {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	return rec
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Store == nil {
		return errNoStore
	}
	return w.Store.AppendExecution(ctx, w.Prepare(rec))
}

// CountSuccessfulSince counts ok executions for a user at or after since.
func (w *Writer) CountSuccessfulSince(ctx context.Context, userIDAnon string, since time.Time) (int, error) {
	if w.Store == nil {
		return 0, errNoStore
	}
	return w.Store.CountSuccessfulExecutions(ctx, userIDAnon, since)
}

func (w *Writer) Get(ctx context.Context, executionID string) (Record, error) {
	if w.Store == nil {
		return Record{}, errNoStore
	}
	return w.Store.GetExecution(ctx, executionID)
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}
