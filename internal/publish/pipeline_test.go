package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"folio/api/internal/asset"
	"folio/api/internal/errs"
	"folio/api/internal/gate"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/tracker"
)

type fakeGate struct {
	AuthorizeFn func(ctx context.Context, token string, action rbac.Action) (gate.Operator, error)
}

func (f fakeGate) AuthorizeFor(ctx context.Context, token string, action rbac.Action) (gate.Operator, error) {
	return f.AuthorizeFn(ctx, token, action)
}

func allowOwner() fakeGate {
	return fakeGate{AuthorizeFn: func(_ context.Context, token string, _ rbac.Action) (gate.Operator, error) {
		if token != "owner" {
			return gate.Operator{}, errs.ErrUnauthorized
		}
		return gate.Operator{UserID: "u-1", Email: "owner@example.com", Role: "operator"}, nil
	}}
}

type fakePages struct {
	UpsertFn func(ctx context.Context, path, html, editor string) error
	calls    atomic.Int32
}

func (f *fakePages) UpsertPage(ctx context.Context, path, html, editor string) error {
	f.calls.Add(1)
	if f.UpsertFn == nil {
		return nil
	}
	return f.UpsertFn(ctx, path, html, editor)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []store.AuditEntry
	err     error
}

func (f *fakeAudit) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return f.err
}

type harness struct {
	p       *Pipeline
	tr      *tracker.Tracker
	pages   *fakePages
	audit   *fakeAudit
	exports atomic.Int32
}

func newHarness(t *testing.T, pages *fakePages, hooks ...Hook) *harness {
	t.Helper()
	h := &harness{tr: tracker.New(), pages: pages, audit: &fakeAudit{}}
	h.p = New(Config{
		Gate: allowOwner(),
		Source: func() (Export, error) {
			h.exports.Add(1)
			return Export{Path: "/index.html", HTML: "<!DOCTYPE html><html></html>", Version: h.tr.Capture()}, nil
		},
		Pages:   pages,
		Audit:   h.audit,
		Tracker: h.tr,
		Hooks:   hooks,
	})
	return h
}

func TestPublishClearsDirtyState(t *testing.T) {
	h := newHarness(t, &fakePages{})
	h.tr.Notify("text")

	res, err := h.p.Publish(context.Background(), "owner", "")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !res.Cleared || h.tr.Dirty() || res.Size == 0 || res.Path != "/index.html" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.audit.entries) != 1 || h.audit.entries[0].Reason != "manual" || h.audit.entries[0].Editor != "owner@example.com" {
		t.Fatalf("unexpected audit: %+v", h.audit.entries)
	}
}

func TestPublishUnauthorizedRunsNothing(t *testing.T) {
	h := newHarness(t, &fakePages{})
	h.tr.Notify("text")

	if _, err := h.p.Publish(context.Background(), "stranger", "manual"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("Publish() error = %v", err)
	}
	if h.exports.Load() != 0 || h.pages.calls.Load() != 0 || !h.tr.Dirty() {
		t.Fatal("an unauthorized publish must not export or persist")
	}
}

func TestPersistFailureKeepsDirtyState(t *testing.T) {
	cause := errors.New("connection reset")
	h := newHarness(t, &fakePages{UpsertFn: func(context.Context, string, string, string) error { return cause }})
	h.tr.Notify("text")

	_, err := h.p.Publish(context.Background(), "owner", "manual")
	var publishErr *errs.PublishError
	if !errors.As(err, &publishErr) || !errors.Is(err, cause) {
		t.Fatalf("Publish() error = %v", err)
	}
	if !h.tr.Dirty() || len(h.audit.entries) != 0 {
		t.Fatal("a failed persist must leave the document dirty and skip the audit")
	}
	if h.p.InFlight() {
		t.Fatal("the guard must be released after a failure")
	}
}

func TestEditDuringPublishStaysDirty(t *testing.T) {
	var h *harness
	h = newHarness(t, &fakePages{UpsertFn: func(context.Context, string, string, string) error {
		h.tr.Notify("text")
		return nil
	}})
	h.tr.Notify("text")

	res, err := h.p.Publish(context.Background(), "owner", "manual")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if res.Cleared || !h.tr.Dirty() {
		t.Fatal("a change made during the publish must stay unpublished")
	}
}

func TestBestEffortStepsBecomeWarnings(t *testing.T) {
	hook := Hook{Name: "history", Run: func(context.Context, Record) error { return errors.New("disk full") }}
	h := newHarness(t, &fakePages{}, hook)
	h.audit.err = errors.New("audit table missing")

	res, err := h.p.Publish(context.Background(), "owner", "manual")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "history: disk full" {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

type failingCards struct{}

func (failingCards) Sync(_ context.Context, images []asset.CardImage) []error {
	out := make([]error, 0, len(images))
	for _, img := range images {
		out = append(out, errs.Sync(img.Key, errors.New("no matching project")))
	}
	return out
}

func TestCardSyncWarningsDoNotBlock(t *testing.T) {
	pages := &fakePages{}
	tr := tracker.New()
	p := New(Config{
		Gate: allowOwner(),
		Source: func() (Export, error) {
			return Export{Path: "/projects.html", HTML: "<html></html>", Version: tr.Capture(), Cards: []asset.CardImage{{Key: "/projects/alpha.html"}}}, nil
		},
		Pages:   pages,
		Cards:   failingCards{},
		Tracker: tr,
	})
	res, err := p.Publish(context.Background(), "owner", "manual")
	if err != nil || pages.calls.Load() != 1 {
		t.Fatalf("Publish() = %+v, %v", res, err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestUndeliveredCardChangesAreRequeued(t *testing.T) {
	alpha := asset.CardImage{Key: "/projects/alpha.html", Slug: "alpha", URL: "https://cdn.example.com/a.png"}
	cases := []struct {
		name   string
		cards  CardSyncer
		upsert error
		want   int
	}{
		{name: "sync warning", cards: failingCards{}, want: 1},
		{name: "persist failure", cards: okCards{}, upsert: errors.New("connection reset"), want: 1},
		{name: "delivered", cards: okCards{}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var requeued []asset.CardImage
			tr := tracker.New()
			p := New(Config{
				Gate: allowOwner(),
				Source: func() (Export, error) {
					return Export{
						Path:    "/projects.html",
						HTML:    "<html></html>",
						Version: tr.Capture(),
						Cards:   []asset.CardImage{alpha},
						Requeue: func(cards []asset.CardImage) { requeued = append(requeued, cards...) },
					}, nil
				},
				Pages:   &fakePages{UpsertFn: func(context.Context, string, string, string) error { return tc.upsert }},
				Cards:   tc.cards,
				Tracker: tr,
			})
			_, _ = p.Publish(context.Background(), "owner", "manual")
			if len(requeued) != tc.want {
				t.Fatalf("requeued = %+v, want %d", requeued, tc.want)
			}
			if tc.want > 0 && requeued[0] != alpha {
				t.Fatalf("requeued = %+v", requeued[0])
			}
		})
	}
}

type okCards struct{}

func (okCards) Sync(context.Context, []asset.CardImage) []error { return nil }

func TestConcurrentPublishesCoalesce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	pages := &fakePages{UpsertFn: func(context.Context, string, string, string) error {
		first.Do(func() {
			close(started)
			<-release
		})
		return nil
	}}
	h := newHarness(t, pages)
	h.tr.Notify("text")

	const n = 10
	results := make([]Result, n)
	failures := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], failures[0] = h.p.Publish(context.Background(), "owner", "first")
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = h.p.Publish(context.Background(), "owner", "later")
		}(i)
	}
	waitFor(t, func() bool {
		h.p.mu.Lock()
		defer h.p.mu.Unlock()
		return h.p.next != nil && h.p.next.waiters == n-1
	})
	close(release)
	wg.Wait()

	if got := pages.calls.Load(); got > 2 {
		t.Fatalf("persist calls = %d, want at most 2", got)
	}
	for i := 1; i < n; i++ {
		if failures[i] != nil || !results[i].Coalesced {
			t.Fatalf("call %d = %+v, %v", i, results[i], failures[i])
		}
		if results[i].PublishedAt != results[1].PublishedAt {
			t.Fatal("coalesced callers should share one result")
		}
	}
	if len(h.audit.entries) != 2 || h.audit.entries[1].Reason != "later" {
		t.Fatalf("audit = %+v", h.audit.entries)
	}
}

func TestPublishesFiftyMillisecondsApartRetryOnce(t *testing.T) {
	pages := &fakePages{UpsertFn: func(context.Context, string, string, string) error {
		time.Sleep(120 * time.Millisecond)
		return nil
	}}
	h := newHarness(t, pages)
	h.tr.Notify("text")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.p.Publish(context.Background(), "owner", "manual")
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		h.tr.Notify("text")
		res, _ := h.p.Publish(context.Background(), "owner", "manual")
		if !res.Coalesced {
			t.Error("second publish should join the trailing run")
		}
	}()
	wg.Wait()

	if got := pages.calls.Load(); got != 2 {
		t.Fatalf("persist calls = %d, want exactly one trailing retry", got)
	}
	waitFor(t, func() bool { return !h.p.InFlight() })
	if h.tr.Dirty() {
		t.Fatal("the trailing run should publish the latest state")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
