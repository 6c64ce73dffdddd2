// Package publish persists the current document. One publish runs at a
// time per page; requests that arrive while it runs share a single trailing
// run and all receive its result.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"folio/api/internal/asset"
	"folio/api/internal/errs"
	"folio/api/internal/gate"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

// Export is the document state captured under the editor lock. Requeue, if
// set, takes back card changes that did not reach their records.
type Export struct {
	Path    string
	HTML    string
	Version uint64
	Cards   []asset.CardImage
	Requeue func([]asset.CardImage)
}

func (e Export) requeue(cards []asset.CardImage) {
	if e.Requeue != nil && len(cards) > 0 {
		e.Requeue(cards)
	}
}

type Result struct {
	Path        string    `json:"path"`
	Size        int       `json:"size"`
	Version     uint64    `json:"version"`
	Cleared     bool      `json:"cleared"`
	Warnings    []string  `json:"warnings,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	Coalesced   bool      `json:"coalesced,omitempty"`
}

// Record is handed to hooks after the snapshot is stored.
type Record struct {
	Path     string
	HTML     string
	Reason   string
	Operator gate.Operator
	Version  uint64
	At       time.Time
}

type Hook struct {
	Name string
	Run  func(ctx context.Context, rec Record) error
}

type Authorizer interface {
	AuthorizeFor(ctx context.Context, token string, action rbac.Action) (gate.Operator, error)
}

type PageStore interface {
	UpsertPage(ctx context.Context, path, html, editor string) error
}

type AuditLog interface {
	InsertAudit(ctx context.Context, entry store.AuditEntry) error
}

type CardSyncer interface {
	Sync(ctx context.Context, images []asset.CardImage) []error
}

type Tracker interface {
	MarkPublished(version uint64) bool
}

type Config struct {
	Gate    Authorizer
	Source  func() (Export, error)
	Pages   PageStore
	Audit   AuditLog
	Cards   CardSyncer
	Tracker Tracker
	Hooks   []Hook
	Now     func() time.Time
}

type call struct {
	done    chan struct{}
	res     Result
	err     error
	reason  string
	op      gate.Operator
	waiters int
}

type Pipeline struct {
	cfg Config

	mu      sync.Mutex
	running bool
	next    *call
}

func New(cfg Config) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}
}

// Publish authorizes the caller and persists the document. When a publish
// is already running the call waits for the trailing run instead; the
// latest reason and operator win.
func (p *Pipeline) Publish(ctx context.Context, token, reason string) (Result, error) {
	op, err := p.cfg.Gate.AuthorizeFor(ctx, token, rbac.ActionPublish)
	if err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	if p.running {
		if p.next == nil {
			p.next = &call{done: make(chan struct{})}
		}
		c := p.next
		c.reason, c.op = reason, op
		c.waiters++
		p.mu.Unlock()

		select {
		case <-c.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		res := c.res
		res.Coalesced = true
		return res, c.err
	}
	p.running = true
	p.mu.Unlock()

	res, err := p.run(ctx, op, reason)
	p.finish(ctx)
	return res, err
}

// InFlight reports whether a publish is running.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pipeline) finish(ctx context.Context) {
	p.mu.Lock()
	next := p.next
	p.next = nil
	if next == nil {
		p.running = false
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	go p.drain(context.WithoutCancel(ctx), next)
}

func (p *Pipeline) drain(ctx context.Context, c *call) {
	log.Printf("publish: trailing run for %d coalesced request(s)", c.waiters)
	c.res, c.err = p.run(ctx, c.op, c.reason)
	close(c.done)
	p.finish(ctx)
}

func (p *Pipeline) run(ctx context.Context, op gate.Operator, reason string) (Result, error) {
	exp, err := p.cfg.Source()
	if err != nil {
		return Result{}, err
	}
	if reason == "" {
		reason = "manual"
	}

	var warnings []string
	var unsynced []asset.CardImage
	if p.cfg.Cards != nil && len(exp.Cards) > 0 {
		for _, w := range p.cfg.Cards.Sync(ctx, exp.Cards) {
			warnings = append(warnings, w.Error())
			var sw *errs.SyncWarning
			if errors.As(w, &sw) {
				unsynced = append(unsynced, cardsWithKey(exp.Cards, sw.Key)...)
			}
		}
	}

	if err := p.cfg.Pages.UpsertPage(ctx, exp.Path, exp.HTML, op.Email); err != nil {
		exp.requeue(exp.Cards)
		return Result{}, errs.Publish(exp.Path, err)
	}
	exp.requeue(unsynced)
	at := p.cfg.Now()

	if p.cfg.Audit != nil {
		entry := store.AuditEntry{Path: exp.Path, Reason: reason, Editor: op.Email, Size: len(exp.HTML), CreatedAt: at}
		if err := p.cfg.Audit.InsertAudit(ctx, entry); err != nil {
			log.Printf("publish: audit insert failed for %s: %v", exp.Path, err)
		}
	}

	rec := Record{Path: exp.Path, HTML: exp.HTML, Reason: reason, Operator: op, Version: exp.Version, At: at}
	for _, hook := range p.cfg.Hooks {
		if err := hook.Run(ctx, rec); err != nil {
			log.Printf("publish: %s hook failed for %s: %v", hook.Name, exp.Path, err)
			warnings = append(warnings, fmt.Sprintf("%s: %v", hook.Name, err))
		}
	}

	cleared := p.cfg.Tracker.MarkPublished(exp.Version)
	return Result{
		Path:        exp.Path,
		Size:        len(exp.HTML),
		Version:     exp.Version,
		Cleared:     cleared,
		Warnings:    warnings,
		PublishedAt: at,
	}, nil
}

func cardsWithKey(cards []asset.CardImage, key string) []asset.CardImage {
	var out []asset.CardImage
	for _, c := range cards {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}
