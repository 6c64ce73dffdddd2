package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"folio/api/internal/errs"
	"folio/api/internal/store"
)

// ErrDetached is returned by Upload when the element left the document
// while its bytes were in flight.
var ErrDetached = errors.New("image is no longer on the page")

var (
	errStorageMissing   = errors.New("object storage is not configured")
	errNoProject        = errors.New("no matching project record")
	errAmbiguousProject = errors.New("more than one project record matches")
)

type ProjectStore interface {
	ListProjects(ctx context.Context) ([]store.Project, error)
	UpdateProjectImage(ctx context.Context, projectID, imageURL string) error
}

// CardSync mirrors card image changes into the project records. Failures are
// reported as warnings and never stop the caller.
type CardSync struct {
	Projects ProjectStore
}

func (s CardSync) Sync(ctx context.Context, images []CardImage) []error {
	if len(images) == 0 || s.Projects == nil {
		return nil
	}
	projects, err := s.Projects.ListProjects(ctx)
	if err != nil {
		warnings := make([]error, 0, len(images))
		for _, img := range images {
			warnings = append(warnings, errs.Sync(img.Key, fmt.Errorf("list projects: %w", err)))
		}
		return warnings
	}

	var warnings []error
	for _, img := range images {
		project, err := MatchProject(projects, img)
		if err != nil {
			warnings = append(warnings, errs.Sync(img.Key, err))
			continue
		}
		if err := s.Projects.UpdateProjectImage(ctx, project.ID, img.URL); err != nil {
			warnings = append(warnings, errs.Sync(img.Key, fmt.Errorf("update project %s: %w", project.ID, err)))
		}
	}
	return warnings
}

// MatchProject finds the record for a card: an exact link match first, then
// a slug match that must be unique.
func MatchProject(projects []store.Project, img CardImage) (store.Project, error) {
	key := normalizeHref(img.Key)
	for _, p := range projects {
		if p.Href != "" && normalizeHref(p.Href) == key {
			return p, nil
		}
	}

	if img.Slug == "" {
		return store.Project{}, errNoProject
	}
	var matches []store.Project
	for _, p := range projects {
		if strings.EqualFold(p.Slug, img.Slug) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return store.Project{}, errNoProject
	case 1:
		return matches[0], nil
	default:
		return store.Project{}, errAmbiguousProject
	}
}

func normalizeHref(href string) string {
	href = strings.TrimSpace(href)
	for strings.HasPrefix(href, "./") || strings.HasPrefix(href, "../") {
		href = strings.TrimPrefix(strings.TrimPrefix(href, "./"), "../")
	}
	return strings.ToLower(strings.TrimPrefix(href, "/"))
}
