package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plato/pkg/store"

	"github.com/google/uuid"
)

const (
	AnonCookie    = "pdl_anon"
	SessionCookie = "pdl_session"

	DefaultTTL = 7 * 24 * time.Hour

	cachePrefix   = "csrf:"
	cacheMaxTTL   = 15 * time.Minute
	cacheValueSep = "\x00"
)

// Caller is the resolved identity for one request. SetCookies lists the
// cookies the response must carry.
type Caller struct {
	UserID     string
	AnonKey    string
	SessionID  string
	CSRFToken  string
	SetCookies []*http.Cookie
}

// Store is the persistence the provider needs; store.Repository satisfies it.
type Store interface {
	EnsureUser(ctx context.Context, anonKey string) (store.User, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	CreateSession(ctx context.Context, s store.Session) (store.Session, error)
}

type Provider struct {
	Store Store
	// Cache is optional. It holds the CSRF token per session id.
	Cache         store.Cache
	TTL           time.Duration
	SecureCookies bool
	Now           func() time.Time
}

// GetOrCreateCaller resolves the anonymous user and session for r, creating
// whatever is missing. An unknown session id is adopted with a fresh token.
// An expired session, or one owned by another user, is replaced by a new id.
func (p *Provider) GetOrCreateCaller(ctx context.Context, r *http.Request) (Caller, error) {
	if p.Store == nil {
		return Caller{}, errors.New("session store not configured")
	}
	var caller Caller

	anonKey := cookieValue(r, AnonCookie)
	if anonKey == "" {
		anonKey = "anon_" + uuid.NewString()
		caller.SetCookies = append(caller.SetCookies, p.cookie(AnonCookie, anonKey))
	}
	user, err := p.Store.EnsureUser(ctx, anonKey)
	if err != nil {
		return Caller{}, fmt.Errorf("resolve user: %w", err)
	}
	caller.UserID = user.ID
	caller.AnonKey = user.AnonKey

	sid := cookieValue(r, SessionCookie)
	if sid == "" {
		s, err := p.createSession(ctx, newSessionID(), user.ID)
		if err != nil {
			return Caller{}, err
		}
		caller.SessionID, caller.CSRFToken = s.ID, s.CSRFToken
		caller.SetCookies = append(caller.SetCookies, p.cookie(SessionCookie, s.ID))
		return caller, nil
	}

	found, err := p.Store.GetSession(ctx, sid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s, err := p.createSession(ctx, sid, user.ID)
		if err != nil {
			return Caller{}, err
		}
		caller.SessionID, caller.CSRFToken = s.ID, s.CSRFToken
		if s.UserID != user.ID {
			return p.rotate(ctx, caller)
		}
		return caller, nil
	case err != nil:
		return Caller{}, fmt.Errorf("load session: %w", err)
	case found.Expired(p.now()) || found.UserID != user.ID:
		return p.rotate(ctx, caller)
	}
	caller.SessionID, caller.CSRFToken = found.ID, found.CSRFToken
	p.cacheToken(ctx, found)
	return caller, nil
}

// ReadSessionCSRF returns the CSRF token bound to the request's session
// cookie. ok is false when there is no live session owned by userID.
func (p *Provider) ReadSessionCSRF(ctx context.Context, r *http.Request, userID string) (token string, ok bool, err error) {
	sid := cookieValue(r, SessionCookie)
	if sid == "" || p.Store == nil {
		return "", false, nil
	}
	if owner, tok, hit := p.cachedToken(ctx, sid); hit {
		return tok, owner == userID, nil
	}
	s, err := p.Store.GetSession(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	if s.Expired(p.now()) || s.UserID != userID {
		return "", false, nil
	}
	p.cacheToken(ctx, s)
	return s.CSRFToken, true, nil
}

// WriteCookies sets every cookie the caller needs on w.
func WriteCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}

func (p *Provider) rotate(ctx context.Context, caller Caller) (Caller, error) {
	s, err := p.createSession(ctx, newSessionID(), caller.UserID)
	if err != nil {
		return Caller{}, err
	}
	caller.SessionID, caller.CSRFToken = s.ID, s.CSRFToken
	caller.SetCookies = append(caller.SetCookies, p.cookie(SessionCookie, s.ID))
	return caller, nil
}

func (p *Provider) createSession(ctx context.Context, sid, userID string) (store.Session, error) {
	s, err := p.Store.CreateSession(ctx, store.Session{
		ID:        sid,
		UserID:    userID,
		CSRFToken: uuid.NewString(),
		ExpiresAt: p.now().Add(p.ttl()),
	})
	if err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}
	if s.UserID == userID {
		p.cacheToken(ctx, s)
	}
	return s, nil
}

func (p *Provider) cacheToken(ctx context.Context, s store.Session) {
	if p.Cache == nil {
		return
	}
	ttl := s.ExpiresAt.Sub(p.now())
	if ttl <= 0 {
		return
	}
	if ttl > cacheMaxTTL {
		ttl = cacheMaxTTL
	}
	_ = p.Cache.Set(ctx, cachePrefix+s.ID, s.UserID+cacheValueSep+s.CSRFToken, ttl)
}

func (p *Provider) cachedToken(ctx context.Context, sid string) (owner, token string, hit bool) {
	if p.Cache == nil {
		return "", "", false
	}
	raw, err := p.Cache.Get(ctx, cachePrefix+sid)
	if err != nil {
		return "", "", false
	}
	owner, token, found := strings.Cut(raw, cacheValueSep)
	if !found {
		return "", "", false
	}
	return owner, token, true
}

func (p *Provider) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (p *Provider) ttl() time.Duration {
	if p.TTL > 0 {
		return p.TTL
	}
	return DefaultTTL
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func newSessionID() string { return "sess_" + uuid.NewString() }

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
