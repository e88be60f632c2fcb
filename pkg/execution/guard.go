package execution

import (
	"context"
	"net/http"
	"time"

	"plato/pkg/ratelimit"
	"plato/pkg/session"
	"plato/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is a step of the guard sequence.
type State string

const (
	StateStart       State = "START"
	StateRateCheck   State = "RATE_CHECK"
	StateBudgetCheck State = "BUDGET_CHECK"
	StateCSRFCheck   State = "CSRF_CHECK"
	StateAllowed     State = "ALLOWED"
	StateBlocked     State = "BLOCKED"
)

const (
	DefaultRateLimit        = 60
	DefaultBudgetMaxPerDay  = 500
	DefaultBudgetWindow     = 24 * time.Hour
	DefaultOperationTimeout = 3 * time.Second

	CSRFHeader = "x-csrf-token"
)

// Identity resolves the caller and the CSRF token bound to its session.
// *session.Provider implements it.
type Identity interface {
	GetOrCreateCaller(ctx context.Context, r *http.Request) (session.Caller, error)
	ReadSessionCSRF(ctx context.Context, r *http.Request, userID string) (string, bool, error)
}

// BudgetCounter counts a user's successful executions since a point in
// time. *audit.Writer implements it.
type BudgetCounter interface {
	CountSuccessfulSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// BlockRecorder is told which check blocked a request.
type BlockRecorder interface {
	IncGuardBlock(state, failClass string)
}

type Guard struct {
	Identity Identity
	Limiter  ratelimit.Limiter
	Budget   BudgetCounter
	Blocks   BlockRecorder

	RateLimit        int
	BudgetMaxPerDay  int
	BudgetWindow     time.Duration
	OperationTimeout time.Duration
	Now              func() time.Time
}

// Outcome is the result of running the guard for one request. Blocked is
// non-nil exactly when State is StateBlocked. BlockedAt names the check that
// failed.
type Outcome struct {
	ExecutionID string
	Caller      session.Caller
	State       State
	BlockedAt   State
	Blocked     *Envelope
}

func (o Outcome) Allowed() bool { return o.State == StateAllowed }

// Check runs START, RATE_CHECK, BUDGET_CHECK and CSRF_CHECK in order and
// stops at the first check that fails. Every external call is bounded by
// OperationTimeout and a failing call blocks with db_error.
func (g *Guard) Check(ctx context.Context, r *http.Request, route string) Outcome {
	out := Outcome{ExecutionID: NewID(), State: StateStart}
	ctx, span := telemetry.StartSpan(ctx, "execution.guard",
		attribute.String("plato.route", route),
		attribute.String("plato.execution_id", out.ExecutionID),
	)
	defer span.End()

	block := func(at State, class FailClass, msg string) Outcome {
		env := Fail(out.ExecutionID, class, msg)
		out.State, out.BlockedAt, out.Blocked = StateBlocked, at, &env
		if g.Blocks != nil {
			g.Blocks.IncGuardBlock(string(at), string(class))
		}
		span.SetAttributes(attribute.String("plato.blocked_at", string(at)), attribute.String("plato.fail_class", string(class)))
		span.SetStatus(codes.Error, string(class))
		return out
	}

	caller, err := boundedValue(ctx, g.timeout(), func(ctx context.Context) (session.Caller, error) {
		return g.Identity.GetOrCreateCaller(ctx, r)
	})
	if err != nil {
		span.RecordError(err)
		return block(StateStart, DBError, MsgDBRead)
	}
	out.Caller = caller

	out.State = StateRateCheck
	key := route + ":" + caller.UserID
	if g.Limiter != nil && !g.Limiter.Allow(key, g.rateLimit()).Allowed {
		return block(StateRateCheck, RateLimited, MsgRateLimited)
	}

	out.State = StateBudgetCheck
	if g.Budget != nil {
		since := g.now().Add(-g.budgetWindow())
		used, err := boundedValue(ctx, g.timeout(), func(ctx context.Context) (int, error) {
			return g.Budget.CountSuccessfulSince(ctx, caller.UserID, since)
		})
		if err != nil {
			span.RecordError(err)
			return block(StateBudgetCheck, DBError, MsgDBRead)
		}
		if used >= g.budgetMax() {
			return block(StateBudgetCheck, BudgetExceeded, MsgBudgetExceeded)
		}
	}

	if r.Method != http.MethodGet {
		out.State = StateCSRFCheck
		header := r.Header.Get(CSRFHeader)
		type sessionToken struct {
			token string
			ok    bool
		}
		tok, err := boundedValue(ctx, g.timeout(), func(ctx context.Context) (sessionToken, error) {
			t, ok, err := g.Identity.ReadSessionCSRF(ctx, r, caller.UserID)
			return sessionToken{token: t, ok: ok}, err
		})
		if err != nil {
			span.RecordError(err)
			return block(StateCSRFCheck, DBError, MsgDBRead)
		}
		if header == "" || !tok.ok || tok.token == "" || header != tok.token {
			return block(StateCSRFCheck, InvalidRequest, MsgCSRFMismatch)
		}
	}

	out.State = StateAllowed
	return out
}

// boundedValue runs fn with a context that expires after timeout.
func boundedValue[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func (g *Guard) rateLimit() int {
	if g.RateLimit > 0 {
		return g.RateLimit
	}
	return DefaultRateLimit
}

func (g *Guard) budgetMax() int {
	if g.BudgetMaxPerDay > 0 {
		return g.BudgetMaxPerDay
	}
	return DefaultBudgetMaxPerDay
}

func (g *Guard) budgetWindow() time.Duration {
	if g.BudgetWindow > 0 {
		return g.BudgetWindow
	}
	return DefaultBudgetWindow
}

func (g *Guard) timeout() time.Duration {
	if g.OperationTimeout > 0 {
		return g.OperationTimeout
	}
	return DefaultOperationTimeout
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}
