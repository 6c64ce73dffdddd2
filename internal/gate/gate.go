// Package gate decides whether a caller may edit the site. Only a live
// session of the configured operator, holding a role that permits the
// action, gets through.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"folio/api/internal/auth"
	"folio/api/internal/errs"
	"folio/api/internal/identity"
	"folio/api/internal/rbac"
)

type Operator struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type Sessions interface {
	GetSession(ctx context.Context, token string) (identity.Session, error)
}

type Gate struct {
	sessions      Sessions
	operatorEmail string

	mu       sync.Mutex
	onRevoke []func(userID string)
}

// New builds a gate for operatorEmail. An empty email authorizes nobody.
func New(sessions Sessions, operatorEmail string) *Gate {
	return &Gate{
		sessions:      sessions,
		operatorEmail: strings.TrimSpace(operatorEmail),
	}
}

// Authorize checks a token for the edit action.
func (g *Gate) Authorize(ctx context.Context, token string) (Operator, error) {
	return g.AuthorizeFor(ctx, token, rbac.ActionEdit)
}

// AuthorizeFor returns errs.ErrUnauthorized for a missing, invalid or
// expired token, a non-operator identity, or a role without the action.
// Store failures while loading the session are returned as they are.
func (g *Gate) AuthorizeFor(ctx context.Context, token string, action rbac.Action) (Operator, error) {
	if strings.TrimSpace(token) == "" {
		return Operator{}, errs.ErrUnauthorized
	}
	session, err := g.sessions.GetSession(ctx, token)
	if err != nil {
		if isCredentialError(err) {
			return Operator{}, errs.ErrUnauthorized
		}
		return Operator{}, err
	}
	if g.operatorEmail == "" || !strings.EqualFold(session.Email, g.operatorEmail) {
		return Operator{}, errs.ErrUnauthorized
	}
	if !rbac.Can(rbac.Normalize(session.Role), action) {
		return Operator{}, errs.ErrUnauthorized
	}
	return Operator{
		UserID: session.UserID,
		Email:  session.Email,
		Name:   session.UserName,
		Role:   session.Role,
	}, nil
}

// OnRevoke registers fn to run when an operator's session ends.
func (g *Gate) OnRevoke(fn func(userID string)) {
	g.mu.Lock()
	g.onRevoke = append(g.onRevoke, fn)
	g.mu.Unlock()
}

// HandleEvent reacts to identity events. Sign-out revokes editing.
func (g *Gate) HandleEvent(event identity.Event) {
	if event.Kind != identity.SignedOut {
		return
	}
	g.mu.Lock()
	callbacks := append([]func(string){}, g.onRevoke...)
	g.mu.Unlock()
	for _, fn := range callbacks {
		fn(event.UserID)
	}
}

// Watch subscribes the gate to a source of identity events.
func (g *Gate) Watch(source interface{ Subscribe(func(identity.Event)) }) {
	source.Subscribe(g.HandleEvent)
}

func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrExpiredToken) ||
		errors.Is(err, sql.ErrNoRows)
}
