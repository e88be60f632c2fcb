package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"plato/pkg/execution"
	"plato/pkg/httpx"
	"plato/pkg/pdl"
	"plato/pkg/session"
	"plato/pkg/store"
	"plato/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	maxSourceTextRunes = 20000
	maxTitleRunes      = 120
	maxScreenIDRunes   = 120
	maxFreeTextRunes   = 500

	defaultTitle = "Untitled PDL"

	msgExecutionNotFound = "Execution record not found."
)

type documentRequest struct {
	SourceText string          `json:"sourceText"`
	Title      json.RawMessage `json:"title,omitempty"`
}

func (d documentRequest) valid() bool {
	if !runesBetween(d.SourceText, 1, maxSourceTextRunes) {
		return false
	}
	title, present, err := optionalText(d.Title)
	return err == nil && (!present || runesBetween(title, 1, maxTitleRunes))
}

func (d documentRequest) title() string {
	if title, present, err := optionalText(d.Title); err == nil && present {
		return title
	}
	return defaultTitle
}

type compileRef struct {
	CompileID string `json:"compileId"`
}

type feedbackRequest struct {
	ExecutionID string  `json:"executionId"`
	CompileID   json.RawMessage `json:"compileId,omitempty"`
	ScreenID    string          `json:"screenId"`
	FreeText    string          `json:"freeText"`
}

func (f feedbackRequest) valid() bool {
	compileID, present, err := optionalText(f.CompileID)
	if f.ExecutionID == "" || err != nil || (present && compileID == "") {
		return false
	}
	return runesBetween(f.ScreenID, 1, maxScreenIDRunes) && runesBetween(f.FreeText, 1, maxFreeTextRunes)
}

var errNullField = errors.New("field must not be null")

// optionalText decodes a string member that may be omitted. An explicit null
// is an error, as is any non-string value.
func optionalText(raw json.RawMessage) (value string, present bool, err error) {
	if len(raw) == 0 {
		return "", false, nil
	}
	if string(raw) == "null" {
		return "", true, errNullField
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", true, err
	}
	return value, true, nil
}

func runesBetween(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	return n >= lo && n <= hi
}

// decode reads the body into dst. It reports false when the body is not a
// single JSON object of the expected shape.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, dst); err != nil {
		s.Logger.Debug("request decode failed", zap.String("path", r.URL.Path), zap.Error(err))
		return false
	}
	return true
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.bounded(r.Context())
	defer cancel()
	caller, err := s.Sessions.GetOrCreateCaller(ctx, r)
	if err != nil {
		s.Logger.Error("csrf session lookup failed", zap.Error(err))
		httpx.Error(w, http.StatusInternalServerError, execution.MsgDBRead)
		return
	}
	session.WriteCookies(w, caller.SetCookies)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"csrfToken": caller.CSRFToken})
}

// parseDocument runs the parser and validator under one span.
func parseDocument(ctx context.Context, source string) ([]pdl.SourceLine, error) {
	_, span := telemetry.StartSpan(ctx, "pdl.validate")
	defer span.End()
	lines, err := pdl.Parse(source)
	if err == nil {
		err = pdl.Validate(lines)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid document")
		return nil, err
	}
	span.SetAttributes(attribute.Int("pdl.lines", len(lines)))
	return lines, nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	var req documentRequest
	if !s.decode(w, r, &req) || !req.valid() {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = req

	lines, err := parseDocument(r.Context(), req.SourceText)
	if err != nil {
		return c.fail(execution.FromPDL(err))
	}
	return c.ok("PDL validation succeeded.", map[string]int{"lines": len(lines)})
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	var req documentRequest
	if !s.decode(w, r, &req) || !req.valid() {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = req

	lines, err := parseDocument(r.Context(), req.SourceText)
	if err != nil {
		return c.fail(execution.FromPDL(err))
	}
	_, span := telemetry.StartSpan(r.Context(), "pdl.compile")
	compiled := pdl.Compile(lines)
	span.SetAttributes(attribute.Int("pdl.modules", len(compiled.Modules)), attribute.Int("pdl.rules", len(compiled.FlatRules)))
	span.End()

	constraints, err := json.Marshal(compiled)
	if err != nil {
		s.Logger.Error("compiled constraints encode failed", zap.Error(err))
		return c.fail(execution.Unknown, execution.MsgUnknown)
	}
	doc := store.Document{
		ID:         uuid.NewString(),
		UserID:     c.Caller.UserID,
		Title:      req.title(),
		SourceText: req.SourceText,
	}
	rec := store.Compile{
		ID:            uuid.NewString(),
		UserID:        c.Caller.UserID,
		DocumentID:    doc.ID,
		Constraints:   constraints,
		CompileStatus: store.CompileStatusCompiled,
	}
	ctx, cancel := s.bounded(r.Context())
	defer cancel()
	if err := s.Repo.CreateDocumentWithCompile(ctx, doc, rec); err != nil {
		s.Logger.Error("compile persist failed", zap.String("execution_id", c.ExecutionID), zap.Error(err))
		return c.fail(execution.DBError, execution.MsgDBWrite)
	}
	return c.ok("Compilation succeeded.", compileView{CompileID: rec.ID, Constraints: compiled})
}

type compileView struct {
	CompileID   string                 `json:"compileId"`
	Constraints pdl.CompiledConstraint `json:"constraints"`
}

// loadCompile fetches and decodes a compile record. The envelope is set when
// the lookup failed.
func (s *Server) loadCompile(ctx context.Context, c *call, id string) (pdl.CompiledConstraint, *execution.Envelope) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	rec, err := s.Repo.GetCompile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		env := c.fail(execution.InvalidRequest, execution.MsgNotFound)
		return pdl.CompiledConstraint{}, &env
	}
	if err != nil {
		s.Logger.Error("compile lookup failed", zap.String("compile_id", id), zap.Error(err))
		env := c.fail(execution.DBError, execution.MsgDBRead)
		return pdl.CompiledConstraint{}, &env
	}
	var compiled pdl.CompiledConstraint
	if err := json.Unmarshal(rec.Constraints, &compiled); err != nil {
		s.Logger.Error("stored constraints decode failed", zap.String("compile_id", id), zap.Error(err))
		env := c.fail(execution.DBError, execution.MsgDBRead)
		return pdl.CompiledConstraint{}, &env
	}
	return compiled, nil
}

func (s *Server) handleGetCompile(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = compileRef{CompileID: id}
	compiled, failed := s.loadCompile(r.Context(), c, id)
	if failed != nil {
		return *failed
	}
	return c.ok("Compile loaded.", compileView{CompileID: id, Constraints: compiled})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	var req compileRef
	if !s.decode(w, r, &req) || req.CompileID == "" {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = req
	compiled, failed := s.loadCompile(r.Context(), c, req.CompileID)
	if failed != nil {
		return *failed
	}
	return c.ok("Prompt generated.", map[string]string{"prompt": pdl.Prompt(compiled)})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	var req compileRef
	if !s.decode(w, r, &req) || req.CompileID == "" {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = req
	compiled, failed := s.loadCompile(r.Context(), c, req.CompileID)
	if failed != nil {
		return *failed
	}
	return c.ok("Check plan generated.", map[string][]pdl.CheckItem{"checks": pdl.CheckPlan(compiled)})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	var req feedbackRequest
	if !s.decode(w, r, &req) || !req.valid() {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = req

	fb := store.Feedback{
		ID:          uuid.NewString(),
		ExecutionID: req.ExecutionID,
		UserID:      c.Caller.UserID,
		ScreenID:    req.ScreenID,
		FreeText:    req.FreeText,
	}
	if compileID, present, _ := optionalText(req.CompileID); present {
		fb.CompileID = compileID
	}
	ctx, cancel := s.bounded(r.Context())
	defer cancel()
	if err := s.Repo.CreateFeedback(ctx, fb); err != nil {
		s.Logger.Error("feedback persist failed", zap.String("execution_id", c.ExecutionID), zap.Error(err))
		return c.fail(execution.DBError, execution.MsgDBWrite)
	}
	return c.ok("Feedback saved.", map[string]string{"feedbackId": fb.ID})
}

// handleGetExecution returns one of the caller's own execution records.
// Records of other users read as missing.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request, c *call) execution.Envelope {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return c.fail(execution.InvalidRequest, execution.MsgInvalidRequest)
	}
	c.Request = map[string]string{"executionId": id}

	ctx, cancel := s.bounded(r.Context())
	defer cancel()
	rec, err := s.Audit.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.UserIDAnon != c.Caller.UserID) {
		return c.fail(execution.InvalidRequest, msgExecutionNotFound)
	}
	if err != nil {
		s.Logger.Error("execution lookup failed", zap.String("lookup_id", id), zap.Error(err))
		return c.fail(execution.DBError, execution.MsgDBRead)
	}
	return c.ok("Execution loaded.", rec)
}
