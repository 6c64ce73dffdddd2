package editor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"folio/api/internal/asset"
	"folio/api/internal/config"
	"folio/api/internal/errs"
	"folio/api/internal/gate"
	"folio/api/internal/pages"
	"folio/api/internal/publish"
	"folio/api/internal/rbac"
)

// Authorizer is the session gate as seen by the editor.
type Authorizer interface {
	AuthorizeFor(ctx context.Context, token string, action rbac.Action) (gate.Operator, error)
}

type Config struct {
	Profile     config.Profile
	Gate        Authorizer
	Loader      Loader
	Storage     asset.Storage
	Bucket      string
	Pages       publish.PageStore
	Audit       publish.AuditLog
	Cards       publish.CardSyncer
	Hooks       []publish.Hook
	RescanDelay time.Duration
	Now         func() time.Time
}

// Manager keeps at most one editor per page.
type Manager struct {
	cfg      Config
	previews *asset.Previews

	mu      sync.Mutex
	editors map[string]*Editor
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		previews: asset.NewPreviews(),
		editors:  make(map[string]*Editor),
	}
}

// Previews serves the optimistic previews of in-flight uploads.
func (m *Manager) Previews() *asset.Previews {
	return m.previews
}

// ToggleResult reports the edit mode after a toggle.
type ToggleResult struct {
	Active bool    `json:"active"`
	Status *Status `json:"status,omitempty"`
}

// Toggle switches edit mode for a page. Leaving edit mode with unpublished
// changes needs confirm.
func (m *Manager) Toggle(ctx context.Context, token, requestPath string, confirm bool) (ToggleResult, error) {
	op, err := m.cfg.Gate.AuthorizeFor(ctx, token, rbac.ActionEdit)
	if err != nil {
		return ToggleResult{}, err
	}
	path, err := pages.Canonical(requestPath)
	if err != nil {
		return ToggleResult{}, err
	}

	m.mu.Lock()
	current := m.editors[path]
	m.mu.Unlock()

	if current != nil {
		if current.Tracker().Dirty() && !confirm {
			return ToggleResult{}, errs.ErrConfirmationRequired
		}
		m.remove(path, current)
		log.Printf("editor: %s left edit mode on %s", op.Email, path)
		return ToggleResult{Active: false}, nil
	}

	e, err := m.activate(ctx, op, path)
	if err != nil {
		return ToggleResult{}, err
	}
	st := e.Status()
	return ToggleResult{Active: true, Status: &st}, nil
}

func (m *Manager) activate(ctx context.Context, op gate.Operator, path string) (*Editor, error) {
	page, err := m.cfg.Loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	e, err := newEditor(page, op, editorDeps{
		profile:     m.cfg.Profile,
		storage:     m.cfg.Storage,
		bucket:      m.cfg.Bucket,
		previews:    m.previews,
		gate:        m.cfg.Gate,
		pages:       m.cfg.Pages,
		audit:       m.cfg.Audit,
		cards:       m.cfg.Cards,
		hooks:       m.cfg.Hooks,
		rescanDelay: m.cfg.RescanDelay,
		now:         m.cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.editors[path]; existing != nil {
		e.close()
		return existing, nil
	}
	m.editors[path] = e
	log.Printf("editor: %s entered edit mode on %s (%s)", op.Email, path, page.Source)
	return e, nil
}

func (m *Manager) remove(path string, e *Editor) {
	m.mu.Lock()
	if m.editors[path] == e {
		delete(m.editors, path)
	}
	m.mu.Unlock()
	e.close()
}

// Editor returns the active editor for a page after checking that the
// caller may edit.
func (m *Manager) Editor(ctx context.Context, token, requestPath string) (*Editor, error) {
	return m.EditorFor(ctx, token, requestPath, rbac.ActionEdit)
}

// EditorFor returns the active editor for a page after checking that the
// caller's role allows action.
func (m *Manager) EditorFor(ctx context.Context, token, requestPath string, action rbac.Action) (*Editor, error) {
	if _, err := m.cfg.Gate.AuthorizeFor(ctx, token, action); err != nil {
		return nil, err
	}
	return m.lookup(requestPath)
}

func (m *Manager) lookup(requestPath string) (*Editor, error) {
	path, err := pages.Canonical(requestPath)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.editors[path]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrInactive, path)
	}
	return e, nil
}

// Discard reloads a page's persisted state into its editor.
func (m *Manager) Discard(ctx context.Context, token, requestPath string, confirm bool) (Status, error) {
	e, err := m.Editor(ctx, token, requestPath)
	if err != nil {
		return Status{}, err
	}
	return e.Discard(ctx, m.cfg.Loader, confirm)
}

// Active lists the status of every open editor.
func (m *Manager) Active() []Status {
	m.mu.Lock()
	editors := make([]*Editor, 0, len(m.editors))
	for _, e := range m.editors {
		editors = append(editors, e)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(editors))
	for _, e := range editors {
		out = append(out, e.Status())
	}
	return out
}

// DeactivateUser closes every editor owned by userID without asking. It
// runs when the operator's sessions are revoked.
func (m *Manager) DeactivateUser(userID string) {
	m.mu.Lock()
	var closing []*Editor
	for path, e := range m.editors {
		if e.Owner().UserID == userID {
			closing = append(closing, e)
			delete(m.editors, path)
		}
	}
	m.mu.Unlock()
	for _, e := range closing {
		if e.Tracker().Dirty() {
			log.Printf("editor: dropping unpublished changes on %s after session revocation", e.Path())
		}
		e.close()
	}
}

// Close tears down every editor.
func (m *Manager) Close() {
	m.mu.Lock()
	editors := m.editors
	m.editors = make(map[string]*Editor)
	m.mu.Unlock()
	for _, e := range editors {
		e.close()
	}
}
