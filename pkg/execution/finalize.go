package execution

import (
	"context"
	"encoding/json"
	"time"

	"plato/pkg/audit"
	"plato/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AuditAppender persists one execution record. *audit.Writer implements it.
type AuditAppender interface {
	Append(ctx context.Context, rec audit.Record) error
}

// RecordPreparer is implemented by appenders that rewrite records before
// storing them. Publishers then receive the rewritten form.
type RecordPreparer interface {
	Prepare(rec audit.Record) audit.Record
}

// Publisher receives every finalized record after it was written.
type Publisher interface {
	PublishExecution(ctx context.Context, rec audit.Record) error
}

type ExecutionRecorder interface {
	ObserveExecution(route, failClass string, ok bool)
	IncPublishFailure(sink string)
}

// Finalizer turns an envelope into the logged, published response. It is
// the only place an execution record is written.
type Finalizer struct {
	Audit            AuditAppender
	Publishers       map[string]Publisher
	Metrics          ExecutionRecorder
	Logger           *zap.Logger
	OperationTimeout time.Duration
	Now              func() time.Time
}

// Finalize writes the execution record for env and returns the envelope to
// send. request is the decoded request body, or nil when the guard blocked
// before the body was read. When the record cannot be written the returned
// envelope is a db_error failure with null data.
func (f *Finalizer) Finalize(ctx context.Context, env Envelope, route, userID string, request any) Envelope {
	ctx, span := telemetry.StartSpan(ctx, "execution.finalize",
		attribute.String("plato.route", route),
		attribute.String("plato.execution_id", env.ExecutionID),
	)
	defer span.End()
	logger := f.logger()

	rec := f.record(env, route, userID, request)
	if f.Audit != nil {
		wctx, cancel := context.WithTimeout(ctx, f.timeout())
		err := f.Audit.Append(wctx, rec)
		cancel()
		if err != nil {
			span.RecordError(err)
			logger.Error("execution log write failed",
				zap.String("execution_id", env.ExecutionID),
				zap.String("route", route),
				zap.Error(err),
			)
			env = Fail(env.ExecutionID, DBError, MsgDBWrite)
			rec = f.record(env, route, userID, request)
		}
	}

	if len(f.Publishers) > 0 {
		if prep, ok := f.Audit.(RecordPreparer); ok {
			rec = prep.Prepare(rec)
		}
	}
	for name, p := range f.Publishers {
		if p == nil {
			continue
		}
		if err := p.PublishExecution(ctx, rec); err != nil {
			logger.Warn("execution publish failed", zap.String("sink", name), zap.String("execution_id", env.ExecutionID), zap.Error(err))
			if f.Metrics != nil {
				f.Metrics.IncPublishFailure(name)
			}
		}
	}
	if f.Metrics != nil {
		f.Metrics.ObserveExecution(route, string(env.FailClass), env.OK)
	}
	span.SetAttributes(attribute.String("plato.fail_class", string(env.FailClass)), attribute.Bool("plato.ok", env.OK))
	logger.Info("execution finalized",
		zap.String("execution_id", env.ExecutionID),
		zap.String("route", route),
		zap.String("fail_class", string(env.FailClass)),
		zap.Bool("ok", env.OK),
	)
	return env
}

func (f *Finalizer) record(env Envelope, route, userID string, request any) audit.Record {
	response, err := json.Marshal(env)
	if err != nil {
		// Data that cannot be encoded is dropped from the trail, never the
		// outcome itself.
		response, _ = json.Marshal(Envelope{
			ExecutionID: env.ExecutionID, OK: env.OK, FailClass: env.FailClass, UserSafeMessage: env.UserSafeMessage,
		})
	}
	return audit.Record{
		ExecutionID:     env.ExecutionID,
		Route:           route,
		UserIDAnon:      userID,
		FailClass:       string(env.FailClass),
		OK:              env.OK,
		UserSafeMessage: env.UserSafeMessage,
		RequestPayload:  encodeRequest(request),
		ResponsePayload: response,
		CreatedAt:       f.now(),
	}
}

func encodeRequest(request any) json.RawMessage {
	switch v := request.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	}
	b, err := json.Marshal(request)
	if err != nil {
		return nil
	}
	return b
}

func (f *Finalizer) logger() *zap.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return zap.NewNop()
}

func (f *Finalizer) timeout() time.Duration {
	if f.OperationTimeout > 0 {
		return f.OperationTimeout
	}
	return DefaultOperationTimeout
}

func (f *Finalizer) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}
