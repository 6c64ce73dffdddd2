// Package identity issues and verifies operator sessions: a signed access
// token plus a rotating refresh token. Sign-in and sign-out are published to
// subscribers so open editors can follow the operator's session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

var ErrInvalidRefresh = errors.New("invalid refresh token")

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type EventKind string

const (
	SignedIn  EventKind = "signed-in"
	SignedOut EventKind = "signed-out"
	Refreshed EventKind = "refreshed"
)

type Event struct {
	Kind   EventKind
	UserID string
	Email  string
	At     time.Time
}

type Users interface {
	GetUserByID(ctx context.Context, id string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// RefreshStore keeps refresh sessions by token hash. Both the Postgres store
// and the Redis session store implement it.
type RefreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeUserSessions(ctx context.Context, userID string) error
}

type Passwords interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
}

type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Users      Users
	Refresh    RefreshStore
	Passwords  Passwords
	Now        func() time.Time
}

type Service struct {
	cfg Config

	mu          sync.Mutex
	subscribers []func(Event)
}

func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Service{cfg: cfg}
}

// Subscribe registers fn for session events. Events are delivered on the
// goroutine that caused them, after the change is stored.
func (s *Service) Subscribe(fn func(Event)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

func (s *Service) emit(kind EventKind, userID, email string) {
	s.mu.Lock()
	subscribers := append([]func(Event){}, s.subscribers...)
	s.mu.Unlock()

	event := Event{Kind: kind, UserID: userID, Email: email, At: s.cfg.Now()}
	for _, fn := range subscribers {
		fn(event)
	}
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.cfg.Passwords == nil {
		return Session{}, errors.New("password sign-in is not configured")
	}
	user, err := s.cfg.Passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.emit(SignedIn, user.ID, user.Email)
	return session, nil
}

// Refresh rotates a refresh token. The user is re-read so role changes take
// effect on the next access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, ErrInvalidRefresh
	}
	tokenHash := auth.HashToken(refreshToken)
	stored, err := s.cfg.Refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidRefresh, err)
	}
	if err := s.cfg.Refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.cfg.Users.GetUserByID(ctx, stored.ID)
	if err != nil {
		return Session{}, err
	}
	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.emit(Refreshed, user.ID, user.Email)
	return session, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.cfg.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	token, err := auth.IssueToken(s.cfg.Secret, auth.Claims{
		Sub:   user.ID,
		Name:  name,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := util.NewSecret(32)
	if err != nil {
		return Session{}, err
	}
	if err := s.cfg.Refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     name,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// GetSession verifies an access token and loads its user.
func (s *Service) GetSession(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.cfg.Secret, token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.cfg.Users.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.cfg.Users.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  name,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// SignOut revokes the access token and the refresh token. Revocation errors
// are ignored; subscribers are told either way.
func (s *Service) SignOut(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.cfg.Users.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.cfg.Refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	s.emit(SignedOut, session.UserID, session.Email)
	return nil
}

// RevokeAll ends every refresh session of a user, as after a password
// reset. Access tokens already issued run until they expire.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.cfg.Refresh.RevokeUserSessions(ctx, userID); err != nil {
		return err
	}
	s.emit(SignedOut, userID, "")
	return nil
}
