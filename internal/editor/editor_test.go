package editor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"folio/api/internal/asset"
	"folio/api/internal/config"
	"folio/api/internal/dom"
	"folio/api/internal/errs"
	"folio/api/internal/gate"
	"folio/api/internal/pages"
	"folio/api/internal/rbac"
	"folio/api/internal/scan"
)

const homePage = `<!DOCTYPE html><html><head><title>Home</title></head><body><main>
<section><h2>Intro</h2><p>Hello there</p><img src="https://cdn.example.com/me.png" alt="me"></section>
<section><h2>Contact</h2><p>Mail me</p></section>
</main></body></html>`

type fakeGate struct {
	AuthorizeForFn func(ctx context.Context, token string, action rbac.Action) (gate.Operator, error)
}

func (f fakeGate) AuthorizeFor(ctx context.Context, token string, action rbac.Action) (gate.Operator, error) {
	return f.AuthorizeForFn(ctx, token, action)
}

var operator = gate.Operator{UserID: "u-1", Email: "avery@example.com", Name: "Avery", Role: "operator"}

func allowAll() fakeGate {
	return fakeGate{AuthorizeForFn: func(_ context.Context, token string, _ rbac.Action) (gate.Operator, error) {
		if token == "" {
			return gate.Operator{}, errs.ErrUnauthorized
		}
		return operator, nil
	}}
}

type fakePages struct {
	mu    sync.Mutex
	saved map[string]string
}

func (f *fakePages) UpsertPage(_ context.Context, path, html, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[path] = html
	return nil
}

func (f *fakePages) get(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[path]
}

type fakeStorage struct {
	UploadFn func(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error)
}

func (f fakeStorage) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error) {
	return f.UploadFn(ctx, bucket, objectPath, data, contentType)
}

func newManager(t *testing.T, store *fakePages, storage asset.Storage) *Manager {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(homePage), 0o644); err != nil {
		t.Fatalf("write page: %v", err)
	}
	m := NewManager(Config{
		Profile:     config.DefaultProfile(),
		Gate:        allowAll(),
		Loader:      pages.Loader{Static: pages.Resolver{Dir: dir}},
		Storage:     storage,
		Bucket:      "resume-cms",
		Pages:       store,
		RescanDelay: 10 * time.Millisecond,
	})
	t.Cleanup(m.Close)
	return m
}

func activate(t *testing.T, m *Manager) *Editor {
	t.Helper()
	res, err := m.Toggle(context.Background(), "tok", "/", false)
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if !res.Active || res.Status == nil {
		t.Fatalf("Toggle() = %+v", res)
	}
	e, err := m.Editor(context.Background(), "tok", "/index.html")
	if err != nil {
		t.Fatalf("Editor() error = %v", err)
	}
	return e
}

func textID(t *testing.T, e *Editor, content string) string {
	t.Helper()
	for _, target := range e.Status().Targets.Texts {
		if strings.TrimSpace(dom.TextContent(target.Node)) == content {
			return target.ID
		}
	}
	t.Fatalf("no text target %q", content)
	return ""
}

func firstImage(t *testing.T, e *Editor) scan.Target {
	t.Helper()
	images := e.Status().Targets.Images
	if len(images) == 0 {
		t.Fatal("no image targets")
	}
	return images[0]
}

func TestToggleInstallsAndRemovesEditor(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)

	doc, err := e.Document()
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	for _, want := range []string{`data-folio-chrome="toolbar"`, `data-folio-action="publish"`, dom.AttrEdit} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %s", want)
		}
	}
	if st := e.Status(); st.Source != pages.SourceStatic || st.Operator.Email != operator.Email {
		t.Fatalf("status = %+v", st)
	}

	res, err := m.Toggle(context.Background(), "tok", "/index.html", false)
	if err != nil || res.Active {
		t.Fatalf("second Toggle() = %+v, %v", res, err)
	}
	if _, err := e.Document(); !errors.Is(err, errs.ErrInactive) {
		t.Fatalf("Document() after deactivate error = %v", err)
	}
	if _, err := m.Editor(context.Background(), "tok", "/"); !errors.Is(err, errs.ErrInactive) {
		t.Fatalf("Editor() after deactivate error = %v", err)
	}
}

func TestToggleRequiresConfirmationWhenDirty(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)
	if _, err := e.SetText(textID(t, e, "Hello there"), "Hi"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}

	if _, err := m.Toggle(context.Background(), "tok", "/", false); !errors.Is(err, errs.ErrConfirmationRequired) {
		t.Fatalf("Toggle() error = %v, want confirmation", err)
	}
	if res, err := m.Toggle(context.Background(), "tok", "/", true); err != nil || res.Active {
		t.Fatalf("confirmed Toggle() = %+v, %v", res, err)
	}
}

func TestUnauthorizedCallerCannotActivate(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	if _, err := m.Toggle(context.Background(), "", "/", false); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("Toggle() error = %v", err)
	}
	if got := m.Active(); len(got) != 0 {
		t.Fatalf("active editors = %+v", got)
	}
}

func TestEditThenPublish(t *testing.T) {
	store := &fakePages{}
	m := newManager(t, store, nil)
	e := activate(t, m)

	st, err := e.SetText(textID(t, e, "Hello there"), "Hi, I <b>build</b> things")
	if err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	if !st.Change.HasUnpublishedChanges {
		t.Fatal("edit should mark the page dirty")
	}
	if _, err := e.Select(st.Targets.Sections[1].ID); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	res, err := e.Publish(context.Background(), "tok", "intro copy")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !res.Cleared || res.Path != "index.html" {
		t.Fatalf("Publish() = %+v", res)
	}
	saved := store.get("index.html")
	if !strings.Contains(saved, "Hi, I <b>build</b> things") || !strings.Contains(saved, `data-cms-snapshot="1"`) {
		t.Fatalf("saved snapshot:\n%s", saved)
	}
	if strings.Contains(saved, "data-folio-") || strings.Contains(saved, "folio-") {
		t.Fatalf("snapshot leaks editor marks:\n%s", saved)
	}
	if e.Status().Change.HasUnpublishedChanges {
		t.Fatal("publish should clear the dirty flag")
	}
}

func TestSelectionLabelIsChromeOnly(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)

	st, err := e.Select(e.Status().Targets.Sections[0].ID)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if st.Selection.Label != "Intro" {
		t.Fatalf("selection = %+v", st.Selection)
	}
	doc, _ := e.Document()
	if strings.Count(doc, `data-folio-chrome="label"`) != 1 {
		t.Fatalf("expected one selection label in:\n%s", doc)
	}

	st, err = e.Section("duplicate", SectionRequest{})
	if err != nil {
		t.Fatalf("duplicate error = %v", err)
	}
	if len(st.Targets.Sections) != 3 {
		t.Fatalf("sections = %d", len(st.Targets.Sections))
	}
	doc, _ = e.Document()
	if strings.Count(doc, `data-folio-chrome="label"`) != 1 {
		t.Fatal("a duplicated section must not carry a second label")
	}
	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if strings.Contains(snap, "data-folio-chrome") || strings.Count(snap, "<h2>Intro</h2>") != 2 {
		t.Fatalf("snapshot:\n%s", snap)
	}
}

func TestSectionOperations(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)

	if _, err := e.Section("delete", SectionRequest{}); !errors.Is(err, errs.ErrNoSelection) {
		t.Fatalf("delete without selection error = %v", err)
	}
	if _, err := e.Select(e.Status().Targets.Sections[1].ID); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if _, err := e.Section("delete", SectionRequest{}); !errors.Is(err, errs.ErrConfirmationRequired) {
		t.Fatalf("unconfirmed delete error = %v", err)
	}
	st, err := e.Section("delete", SectionRequest{Confirm: true})
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if len(st.Targets.Sections) != 1 {
		t.Fatalf("sections after delete = %d", len(st.Targets.Sections))
	}

	st, err = e.Section("add", SectionRequest{Title: "Talks", Body: "Conference talks"})
	if err != nil {
		t.Fatalf("add error = %v", err)
	}
	if len(st.Targets.Sections) != 2 || st.Selection.Label != "Talks" {
		t.Fatalf("after add: %d sections, selection %+v", len(st.Targets.Sections), st.Selection)
	}

	var verr *errs.ValidationError
	if _, err := e.Section("explode", SectionRequest{}); !errors.As(err, &verr) {
		t.Fatalf("unknown op error = %v", err)
	}
}

func TestFontSizeAndResize(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)
	id := textID(t, e, "Mail me")
	if _, err := e.Select(id); err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	if _, err := e.FontSize(2, false); err != nil {
		t.Fatalf("FontSize() error = %v", err)
	}
	doc, _ := e.Document()
	if !strings.Contains(doc, "font-size: 18px") {
		t.Fatalf("font size not applied:\n%s", doc)
	}
	if _, err := e.FontSize(0, true); err != nil {
		t.Fatalf("reset error = %v", err)
	}
	doc, _ = e.Document()
	if strings.Contains(doc, "font-size") {
		t.Fatal("reset should drop the override")
	}

	if _, err := e.Resize("begin", 0, 0); err != nil {
		t.Fatalf("begin resize error = %v", err)
	}
	if _, err := e.Resize("move", 320, 60); err != nil {
		t.Fatalf("resize error = %v", err)
	}
	if _, err := e.Resize("end", 0, 0); err != nil {
		t.Fatalf("end resize error = %v", err)
	}
	if !e.Status().Change.HasUnpublishedChanges {
		t.Fatal("resize should mark the page dirty")
	}
}

func TestDiscardRestoresPersistedPage(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)

	st, err := m.Discard(context.Background(), "tok", "/", false)
	if err != nil || st.Change.HasUnpublishedChanges {
		t.Fatalf("clean discard = %+v, %v", st, err)
	}

	if _, err := e.SetText(textID(t, e, "Hello there"), "scratch"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	if _, err := m.Discard(context.Background(), "tok", "/", false); !errors.Is(err, errs.ErrConfirmationRequired) {
		t.Fatalf("unconfirmed discard error = %v", err)
	}
	st, err = m.Discard(context.Background(), "tok", "/", true)
	if err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if st.Change.HasUnpublishedChanges {
		t.Fatal("discard should leave the page clean")
	}
	doc, _ := e.Document()
	if strings.Contains(doc, "scratch") || !strings.Contains(doc, "Hello there") {
		t.Fatalf("discard did not restore the page:\n%s", doc)
	}
	if !strings.Contains(doc, `data-folio-chrome="toolbar"`) {
		t.Fatal("toolbar should survive a discard")
	}
}

func TestUploadSwapsInStoredURL(t *testing.T) {
	var gotPath string
	storage := fakeStorage{UploadFn: func(_ context.Context, bucket, objectPath string, _ []byte, _ string) (string, error) {
		gotPath = objectPath
		return "https://store.example.com/" + bucket + "/" + objectPath, nil
	}}
	m := newManager(t, &fakePages{}, storage)
	e := activate(t, m)
	img := firstImage(t, e)

	got, err := e.Upload(context.Background(), img.ID, asset.File{Name: "me.png", ContentType: "image/png", Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !strings.HasPrefix(got.Ref, "https://store.example.com/resume-cms/") || gotPath == "" {
		t.Fatalf("Upload() = %+v (path %q)", got, gotPath)
	}
	doc, _ := e.Document()
	if !strings.Contains(doc, got.Ref) {
		t.Fatal("document should reference the stored image")
	}
	if m.Previews().Len() != 0 {
		t.Fatal("preview should be revoked after the upload")
	}

	if _, err := e.Upload(context.Background(), textID(t, e, "Mail me"), asset.File{ContentType: "image/png", Data: []byte{1}}); !errors.Is(err, errs.ErrUnknownTarget) {
		t.Fatalf("upload to a text target error = %v", err)
	}
}

func TestUploadFailureRestoresImage(t *testing.T) {
	storage := fakeStorage{UploadFn: func(context.Context, string, string, []byte, string) (string, error) {
		return "", errors.New("bucket offline")
	}}
	m := newManager(t, &fakePages{}, storage)
	e := activate(t, m)
	img := firstImage(t, e)

	_, err := e.Upload(context.Background(), img.ID, asset.File{Name: "me.png", ContentType: "image/png", Data: []byte{1}})
	var uerr *errs.UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("Upload() error = %v, want UploadError", err)
	}
	doc, _ := e.Document()
	if !strings.Contains(doc, `src="https://cdn.example.com/me.png"`) {
		t.Fatalf("original image not restored:\n%s", doc)
	}
}

// blockingStorage holds every upload until release is closed.
func blockingStorage() (fakeStorage, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	storage := fakeStorage{UploadFn: func(_ context.Context, bucket, objectPath string, _ []byte, _ string) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "https://store.example.com/" + bucket + "/" + objectPath, nil
	}}
	return storage, started, release
}

func TestUploadFinishingAfterDiscardIsDropped(t *testing.T) {
	storage, started, release := blockingStorage()
	m := newManager(t, &fakePages{}, storage)
	e := activate(t, m)
	img := firstImage(t, e)

	done := make(chan error, 1)
	go func() {
		_, err := e.Upload(context.Background(), img.ID, asset.File{Name: "me.png", ContentType: "image/png", Data: []byte{1}})
		done <- err
	}()
	<-started

	if _, err := e.SetText(textID(t, e, "Hello there"), "scratch"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	if _, err := m.Discard(context.Background(), "tok", "/", true); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, asset.ErrDetached) {
		t.Fatalf("Upload() error = %v, want ErrDetached", err)
	}
	if e.Status().Change.HasUnpublishedChanges {
		t.Fatal("an upload landing after a discard must not dirty the page")
	}
	doc, _ := e.Document()
	if strings.Contains(doc, "store.example.com") || !strings.Contains(doc, `src="https://cdn.example.com/me.png"`) {
		t.Fatalf("discarded upload reached the document:\n%s", doc)
	}
}

func TestDuplicateDuringUploadKeepsBothImages(t *testing.T) {
	storage, started, release := blockingStorage()
	m := newManager(t, &fakePages{}, storage)
	e := activate(t, m)
	img := firstImage(t, e)

	done := make(chan error, 1)
	go func() {
		_, err := e.Upload(context.Background(), img.ID, asset.File{Name: "me.png", ContentType: "image/png", Data: []byte{1}})
		done <- err
	}()
	<-started

	if _, err := e.Select(e.Status().Targets.Sections[0].ID); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if _, err := e.Section("duplicate", SectionRequest{}); err != nil {
		t.Fatalf("duplicate error = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	doc, _ := e.Document()
	if strings.Contains(doc, dom.PreviewPrefix) || m.Previews().Len() != 0 {
		t.Fatalf("preview left behind:\n%s", doc)
	}
	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if strings.Count(snap, "<img") != 2 || strings.Count(snap, `src="https://`) != 2 {
		t.Fatalf("both images should keep a source:\n%s", snap)
	}
	if !strings.Contains(snap, `src="https://cdn.example.com/me.png"`) || !strings.Contains(snap, "store.example.com") {
		t.Fatalf("copy should keep the old image and the original the upload:\n%s", snap)
	}
}

func TestLinkValidatesURL(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)
	img := firstImage(t, e)

	var verr *errs.ValidationError
	if _, err := e.Link(img.ID, "javascript:alert(1)"); !errors.As(err, &verr) {
		t.Fatalf("Link() error = %v", err)
	}
	got, err := e.Link(img.ID, "https://images.example.org/avery.jpg")
	if err != nil || got.Ref != "https://images.example.org/avery.jpg" {
		t.Fatalf("Link() = %+v, %v", got, err)
	}
}

func TestDeactivateUserClosesOwnedEditors(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)
	if _, err := e.SetText(textID(t, e, "Hello there"), "unsaved"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}

	m.DeactivateUser("someone-else")
	if len(m.Active()) != 1 {
		t.Fatal("other users must not close this editor")
	}
	m.DeactivateUser(operator.UserID)
	if len(m.Active()) != 0 {
		t.Fatal("editor should be closed after revocation")
	}
	if _, err := e.SetText("x", "y"); !errors.Is(err, errs.ErrInactive) {
		t.Fatalf("SetText() after revocation error = %v", err)
	}
}

func TestWatcherRescansAfterTextEdit(t *testing.T) {
	m := newManager(t, &fakePages{}, nil)
	e := activate(t, m)
	before := len(e.Status().Targets.Texts)

	if _, err := e.SetText(textID(t, e, "Mail me"), "Mail me<br>or call"); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(e.Status().Targets.Texts) >= before {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("rescan did not run")
}
