// Package editor owns the editing sessions. An Editor holds one page's live
// document and every component working on it; all of them run under the
// Editor's mutex, so DOM mutations, rescans and snapshot builds never
// interleave. Network calls (uploads, persistence) run outside it.
package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"folio/api/internal/asset"
	"folio/api/internal/config"
	"folio/api/internal/dom"
	"folio/api/internal/errs"
	"folio/api/internal/gate"
	"folio/api/internal/pages"
	"folio/api/internal/publish"
	"folio/api/internal/scan"
	"folio/api/internal/snapshot"
	"folio/api/internal/structure"
	"folio/api/internal/tracker"

	"golang.org/x/net/html"
)

// Status is what the operator's affordances render.
type Status struct {
	Path        string              `json:"path"`
	Active      bool                `json:"active"`
	Source      string              `json:"source,omitempty"`
	Operator    gate.Operator       `json:"operator"`
	Selection   structure.Selection `json:"selection"`
	Targets     scan.Result         `json:"targets"`
	Change      tracker.State       `json:"change"`
	Publishing  bool                `json:"publishing"`
	ActivatedAt time.Time           `json:"activatedAt"`
}

// Editor is the state of one activated page. It is created on activation
// and torn down on deactivation.
type Editor struct {
	mu sync.Mutex

	path        string
	source      string
	owner       gate.Operator
	activatedAt time.Time
	active      bool
	doc         *html.Node

	// generation counts document reloads; card changes exported before a
	// discard are not taken back after it.
	generation uint64

	tracker    *tracker.Tracker
	scanner    *scan.Scanner
	structure  *structure.Editor
	binder     *asset.Binder
	serializer *snapshot.Serializer
	watcher    *scan.Watcher
	publisher  *publish.Pipeline
}

type editorDeps struct {
	profile     config.Profile
	storage     asset.Storage
	bucket      string
	previews    *asset.Previews
	gate        publish.Authorizer
	pages       publish.PageStore
	audit       publish.AuditLog
	cards       publish.CardSyncer
	hooks       []publish.Hook
	rescanDelay time.Duration
	now         func() time.Time
}

func newEditor(page pages.Loaded, owner gate.Operator, deps editorDeps) (*Editor, error) {
	doc, err := dom.ParseString(page.HTML)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page.Path, err)
	}
	e := &Editor{
		path:        page.Path,
		source:      page.Source,
		owner:       owner,
		activatedAt: deps.now(),
		active:      true,
		doc:         doc,
		tracker:     tracker.New(),
		serializer:  snapshot.New(deps.profile),
	}
	document := func() *html.Node { return e.doc }

	e.binder = asset.New(asset.Config{
		Profile:  deps.profile,
		PageKey:  pages.Key(page.Path),
		Bucket:   deps.bucket,
		Storage:  deps.storage,
		Previews: deps.previews,
		Notifier: e.tracker,
		Locker:   &e.mu,
		Document: document,
		Now:      deps.now,
	})
	e.scanner = scan.New(deps.profile, e.binder)
	e.scanner.AfterScan(func(scan.Result) {
		e.binder.Slots().Prune(e.doc)
	})
	e.structure = structure.New(structure.Config{
		Scanner:    e.scanner,
		Notifier:   e.tracker,
		Document:   document,
		BaseFontPx: deps.profile.BaseFontPx,
	})
	e.watcher = scan.NewWatcher(deps.rescanDelay, e.watchedRescan)
	e.publisher = publish.New(publish.Config{
		Gate:    deps.gate,
		Source:  e.export,
		Pages:   deps.pages,
		Audit:   deps.audit,
		Cards:   deps.cards,
		Tracker: e.tracker,
		Hooks:   deps.hooks,
		Now:     deps.now,
	})

	e.structure.Rescan()
	installChrome(e.doc)
	e.refreshChrome()
	return e, nil
}

func (e *Editor) Path() string {
	return e.path
}

func (e *Editor) Owner() gate.Operator {
	return e.owner
}

// Tracker exposes the change state, mainly for observers and tests.
func (e *Editor) Tracker() *tracker.Tracker {
	return e.tracker
}

func (e *Editor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Editor) statusLocked() Status {
	return Status{
		Path:        e.path,
		Active:      e.active,
		Source:      e.source,
		Operator:    e.owner,
		Selection:   e.structure.Selection(),
		Targets:     e.structure.Targets(),
		Change:      e.tracker.State(),
		Publishing:  e.publisher.InFlight(),
		ActivatedAt: e.activatedAt,
	}
}

// Document renders the live document, editor chrome included.
func (e *Editor) Document() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return "", errs.ErrInactive
	}
	e.refreshChrome()
	return dom.Render(e.doc)
}

// Snapshot serializes the document the way it would be published.
func (e *Editor) Snapshot() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return "", errs.ErrInactive
	}
	return e.serializer.Build(e.doc)
}

// do runs fn under the lock on an active editor and returns the resulting
// status.
func (e *Editor) do(fn func() error) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Status{}, errs.ErrInactive
	}
	err := fn()
	e.refreshChrome()
	return e.statusLocked(), err
}

func (e *Editor) Select(id string) (Status, error) {
	return e.do(func() error {
		_, err := e.structure.Select(id)
		return err
	})
}

// SetText replaces the content of an editable element. The rescan runs
// after the watcher's idle delay, once per burst of edits.
func (e *Editor) SetText(id, markup string) (Status, error) {
	st, err := e.do(func() error {
		_, err := e.structure.SetText(id, markup)
		return err
	})
	if err == nil {
		e.watcher.Trigger()
	}
	return st, err
}

// SectionRequest carries the operator's answers to the prompts of a
// structural operation.
type SectionRequest struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Confirm bool   `json:"confirm"`
}

// Section applies a structural operation to the selected section: one of
// move-up, move-down, duplicate, delete or add.
func (e *Editor) Section(op string, req SectionRequest) (Status, error) {
	return e.do(func() error {
		var err error
		switch op {
		case "move-up":
			_, err = e.structure.MoveUp()
		case "move-down":
			_, err = e.structure.MoveDown()
		case "duplicate":
			_, err = e.structure.Duplicate()
		case "delete":
			_, err = e.structure.Delete(req.Confirm)
		case "add":
			_, err = e.structure.Add(req.Title, req.Body)
		default:
			err = errs.Validation("op", "unknown section operation "+op)
		}
		return err
	})
}

// Resize drives a resize gesture: phase is begin, move or end.
func (e *Editor) Resize(phase string, width, minHeight int) (Status, error) {
	return e.do(func() error {
		switch phase {
		case "begin":
			return e.structure.BeginResize()
		case "move":
			return e.structure.ResizeTo(width, minHeight)
		case "end":
			e.structure.EndResize()
			return nil
		default:
			return errs.Validation("phase", "must be begin, move or end")
		}
	})
}

// FontSize steps the selected element's font size by delta, or removes the
// override when reset is set.
func (e *Editor) FontSize(delta int, reset bool) (Status, error) {
	return e.do(func() error {
		if reset {
			_, err := e.structure.ResetFontSize()
			return err
		}
		if delta == 0 {
			return errs.Validation("delta", "must not be zero")
		}
		_, err := e.structure.StepFontSize(delta)
		return err
	})
}

func (e *Editor) image(id string) (*html.Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil, errs.ErrInactive
	}
	t, ok := e.structure.Lookup(id)
	if !ok || t.Kind != "image" {
		return nil, errs.ErrUnknownTarget
	}
	return t.Node, nil
}

// Upload replaces an image with uploaded bytes. The lock is not held while
// the bytes travel to storage.
func (e *Editor) Upload(ctx context.Context, id string, f asset.File) (asset.Asset, error) {
	n, err := e.image(id)
	if err != nil {
		return asset.Asset{}, err
	}
	return e.binder.Upload(ctx, n, f)
}

// Link points an image at an external URL.
func (e *Editor) Link(id, rawURL string) (asset.Asset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return asset.Asset{}, errs.ErrInactive
	}
	t, ok := e.structure.Lookup(id)
	if !ok || t.Kind != "image" {
		return asset.Asset{}, errs.ErrUnknownTarget
	}
	return e.binder.SetLink(t.Node, rawURL)
}

// Publish persists the current document. Concurrent calls coalesce.
func (e *Editor) Publish(ctx context.Context, token, reason string) (publish.Result, error) {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if !active {
		return publish.Result{}, errs.ErrInactive
	}
	return e.publisher.Publish(ctx, token, reason)
}

func (e *Editor) export() (publish.Export, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return publish.Export{}, errs.ErrInactive
	}
	version := e.tracker.Capture()
	generation := e.generation
	out, err := e.serializer.Build(e.doc)
	if err != nil {
		return publish.Export{}, fmt.Errorf("build snapshot: %w", err)
	}
	return publish.Export{
		Path:    e.path,
		HTML:    out,
		Version: version,
		Cards:   e.binder.PendingCards(),
		Requeue: func(cards []asset.CardImage) { e.requeueCards(generation, cards) },
	}, nil
}

func (e *Editor) requeueCards(generation uint64, cards []asset.CardImage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.generation != generation {
		return
	}
	e.binder.RequeueCards(cards)
}

// Loader fetches the persisted page on discard.
type Loader interface {
	Load(ctx context.Context, requestPath string) (pages.Loaded, error)
}

// Discard throws away unpublished changes by reloading the persisted page.
// It is a no-op when there is nothing to discard.
func (e *Editor) Discard(ctx context.Context, loader Loader, confirm bool) (Status, error) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return Status{}, errs.ErrInactive
	}
	if !e.tracker.Dirty() {
		st := e.statusLocked()
		e.mu.Unlock()
		return st, nil
	}
	if !confirm {
		e.mu.Unlock()
		return Status{}, errs.ErrConfirmationRequired
	}
	e.mu.Unlock()

	page, err := loader.Load(ctx, e.path)
	if err != nil {
		return Status{}, fmt.Errorf("reload %s: %w", e.path, err)
	}
	doc, err := dom.ParseString(page.HTML)
	if err != nil {
		return Status{}, fmt.Errorf("parse %s: %w", e.path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Status{}, errs.ErrInactive
	}
	e.doc = doc
	e.source = page.Source
	e.generation++
	e.binder.PendingCards()
	e.structure.Select("")
	e.structure.Rescan()
	installChrome(e.doc)
	e.tracker.Reset()
	e.refreshChrome()
	return e.statusLocked(), nil
}

// watchedRescan is the debounced rescan after direct text edits.
func (e *Editor) watchedRescan() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.structure.Rescan()
	e.refreshChrome()
}

// close tears the session down: the watcher stops and every editor mark is
// removed from the document.
func (e *Editor) close() {
	e.watcher.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.active = false
	e.structure.Select("")
	scan.Untag(e.doc)
	dom.StripEditorMarks(e.doc)
}
