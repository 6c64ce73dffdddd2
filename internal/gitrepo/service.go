// Package gitrepo keeps a git history of every published page. Each page
// path gets its own repository holding the snapshot as page.html.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"folio/api/internal/pages"
	"folio/api/internal/publish"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const pageFile = "page.html"

type Revision struct {
	Hash      string    `json:"hash"`
	Reason    string    `json:"reason"`
	Author    string    `json:"author"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type Entry struct {
	Path   string
	HTML   string
	Reason string
	Author string
	Email  string
	When   time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Hook records every successful publish.
func (s *Service) Hook() publish.Hook {
	return publish.Hook{
		Name: "history",
		Run: func(_ context.Context, rec publish.Record) error {
			_, err := s.Commit(Entry{
				Path:   rec.Path,
				HTML:   rec.HTML,
				Reason: rec.Reason,
				Author: rec.Operator.Name,
				Email:  rec.Operator.Email,
				When:   rec.At,
			})
			return err
		},
	}
}

// Commit stores e.HTML as the next revision of e.Path. Republishing an
// unchanged page still records a revision so every publish is visible.
func (s *Service) Commit(e Entry) (Revision, error) {
	key := pages.Key(e.Path)
	lock := s.pageLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(key)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, pageFile), []byte(e.HTML), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", pageFile, err)
	}
	if _, err := worktree.Add(pageFile); err != nil {
		return Revision{}, fmt.Errorf("git add page: %w", err)
	}

	when := e.When
	if when.IsZero() {
		when = time.Now()
	}
	author := strings.TrimSpace(e.Author)
	if author == "" {
		author = "operator"
	}
	email := e.Email
	if email == "" {
		email = sanitizeEmail(author) + "@local.folio.dev"
	}
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "publish"
	}

	hash, err := worktree.Commit(fmt.Sprintf("%s\n\npath: %s", reason, e.Path), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: email,
			When:  when,
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit page: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists the newest revisions of a page first. A page that was never
// published has no history.
func (s *Service) History(path string, limit int) ([]Revision, error) {
	key := pages.Key(path)
	lock := s.pageLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Content returns the snapshot stored at hash, which may be abbreviated.
func (s *Service) Content(path, hash string) (string, error) {
	key := pages.Key(path)
	lock := s.pageLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(pageFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", pageFile, err)
	}
	return file.Contents()
}

func (s *Service) openOrInit(key string) (*git.Repository, error) {
	path := s.repoPath(key)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(key string) string {
	return filepath.Join(s.baseDir, key)
}

func (s *Service) pageLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func toRevision(commitObj *object.Commit) Revision {
	rev := Revision{
		Hash:      commitObj.Hash.String()[:7],
		Reason:    strings.TrimSpace(strings.SplitN(commitObj.Message, "\n", 2)[0]),
		Author:    commitObj.Author.Name,
		Email:     commitObj.Author.Email,
		CreatedAt: commitObj.Author.When,
	}
	if stats, err := commitObj.Stats(); err == nil {
		for _, st := range stats {
			rev.Added += st.Addition
			rev.Removed += st.Deletion
		}
	}
	return rev
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "operator"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
