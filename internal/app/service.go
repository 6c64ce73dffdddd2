package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"folio/api/internal/editor"
	"folio/api/internal/export"
	"folio/api/internal/gitrepo"
	"folio/api/internal/identity"
	"folio/api/internal/pages"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
)

type Session = identity.Session

type identityService interface {
	SignIn(ctx context.Context, email, password string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	GetSession(ctx context.Context, token string) (Session, error)
	SignOut(ctx context.Context, session Session, refreshToken string) error
	RevokeAll(ctx context.Context, userID string) error
}

type passwordService interface {
	RequestPasswordReset(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) (string, error)
}

type mailer interface {
	IsConfigured() bool
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type siteLoader interface {
	Load(ctx context.Context, requestPath string) (pages.Loaded, error)
}

type historyService interface {
	History(path string, limit int) ([]gitrepo.Revision, error)
	Content(path, hash string) (string, error)
}

type pdfExporter interface {
	PDF(ctx context.Context, requestPath string) (*export.Result, error)
}

type searchService interface {
	Search(q search.Query) search.Response
}

type auditLog interface {
	ListAudit(ctx context.Context, path string, limit int) ([]store.AuditEntry, error)
}

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API. Editors, Identity, Gate and Site
// are required; the rest switch their routes off when nil.
type Deps struct {
	Editors   *editor.Manager
	Identity  identityService
	Gate      editor.Authorizer
	Passwords passwordService
	Mailer    mailer
	Site      siteLoader
	History   historyService
	Audit     auditLog
	PDF       pdfExporter
	Search    searchService
	// Checks are probed by /api/ready, keyed by name.
	Checks map[string]Pinger
	// PublicURL is where password reset links point.
	PublicURL string
}

type Service struct {
	deps Deps
}

func New(deps Deps) *Service {
	return &Service{deps: deps}
}

func (s *Service) Editors() *editor.Manager {
	return s.deps.Editors
}

// Ready pings every configured dependency and reports each result.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	checks := make(map[string]any, len(s.deps.Checks))
	for name, pinger := range s.deps.Checks {
		if err := pinger.Ping(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ok, checks
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	return s.deps.Identity.SignIn(ctx, email, password)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return s.deps.Identity.Refresh(ctx, refreshToken)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	return s.deps.Identity.GetSession(ctx, token)
}

// SignOut ends the session. Subscribers of the identity service close the
// operator's editors.
func (s *Service) SignOut(ctx context.Context, session Session, refreshToken string) error {
	return s.deps.Identity.SignOut(ctx, session, refreshToken)
}

func (s *Service) SMTPConfigured() bool {
	return s.deps.Mailer != nil && s.deps.Mailer.IsConfigured()
}

// RequestPasswordReset creates a reset token and mails it. The token is
// returned so development setups without SMTP can complete a reset.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if s.deps.Passwords == nil {
		return "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Password reset is not configured", nil)
	}
	token, err := s.deps.Passwords.RequestPasswordReset(ctx, email)
	if err != nil || token == "" {
		return "", err
	}
	if s.SMTPConfigured() {
		link := strings.TrimRight(s.deps.PublicURL, "/") + "/reset-password?token=" + url.QueryEscape(token)
		if err := s.deps.Mailer.SendPasswordResetEmail(strings.TrimSpace(email), "", link); err != nil {
			log.Printf("app: send reset email: %v", err)
		}
	}
	return token, nil
}

// ResetPassword sets a new password and ends every session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if s.deps.Passwords == nil {
		return domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Password reset is not configured", nil)
	}
	userID, err := s.deps.Passwords.ResetPassword(ctx, token, newPassword)
	if err != nil {
		return domainError(http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
	}
	if err := s.deps.Identity.RevokeAll(ctx, userID); err != nil {
		log.Printf("app: revoke sessions after reset: %v", err)
	}
	return nil
}

// Authorize checks the session behind token for action without touching
// any page.
func (s *Service) Authorize(ctx context.Context, token string, action rbac.Action) error {
	_, err := s.deps.Gate.AuthorizeFor(ctx, token, action)
	return err
}

// Page resolves what visitors see at requestPath.
func (s *Service) Page(ctx context.Context, requestPath string) (pages.Loaded, error) {
	return s.deps.Site.Load(ctx, requestPath)
}

// PageHistory lists published revisions of a page, newest first, with the
// audit entries recorded alongside.
func (s *Service) PageHistory(ctx context.Context, token, requestPath string, limit int) (map[string]any, error) {
	if _, err := s.deps.Gate.AuthorizeFor(ctx, token, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.deps.History == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Page history is not configured", nil)
	}
	path, err := pages.Canonical(requestPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	revisions, err := s.deps.History.History(path, limit)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", path, err)
	}
	response := map[string]any{"path": path, "revisions": revisions}
	if s.deps.Audit != nil {
		entries, err := s.deps.Audit.ListAudit(ctx, path, limit)
		if err != nil {
			log.Printf("app: list audit for %s: %v", path, err)
		} else {
			response["audit"] = entries
		}
	}
	return response, nil
}

// PageRevision returns the snapshot stored at one revision.
func (s *Service) PageRevision(ctx context.Context, token, requestPath, hash string) (string, error) {
	if _, err := s.deps.Gate.AuthorizeFor(ctx, token, rbac.ActionRead); err != nil {
		return "", err
	}
	if s.deps.History == nil {
		return "", domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Page history is not configured", nil)
	}
	path, err := pages.Canonical(requestPath)
	if err != nil {
		return "", err
	}
	content, err := s.deps.History.Content(path, hash)
	if err != nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", map[string]any{"hash": hash})
	}
	return content, nil
}

func (s *Service) PagePDF(ctx context.Context, requestPath string) (*export.Result, error) {
	if s.deps.PDF == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not configured", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	return s.deps.PDF.PDF(ctx, requestPath)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.deps.Search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.deps.Search.Search(q)
}
