package search

import (
	"context"
	"fmt"
	"log"

	"folio/api/internal/publish"
)

// PageIndex is the primary index pages are pushed to.
type PageIndex interface {
	Searcher
	IndexPage(rec PageRecord) error
	IndexPages(records []PageRecord) error
}

// Fallback is the searcher used when the primary index is unavailable. It
// is also the source for full reindexing.
type Fallback interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]PageRecord, error)
}

// TextStore keeps the extracted title and text next to the stored page so
// the fallback can search it.
type TextStore interface {
	SetPageText(ctx context.Context, path, title, bodyText string) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    PageIndex
	fallback Fallback
	text     TextStore
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, text TextStore) *Service {
	s := &Service{text: text}
	if meili != nil {
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage stores the page text for the fallback and pushes the record to
// Meilisearch in the background.
func (s *Service) IndexPage(ctx context.Context, rec PageRecord) error {
	if s.text != nil {
		if err := s.text.SetPageText(ctx, rec.Path, rec.Title, rec.Text); err != nil {
			return fmt.Errorf("store page text: %w", err)
		}
	}
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	go func() {
		if err := s.index.IndexPage(rec); err != nil {
			log.Printf("search: index page %s: %v", rec.Path, err)
		}
	}()
	return nil
}

// Hook indexes every published snapshot.
func (s *Service) Hook() publish.Hook {
	return publish.Hook{
		Name: "search",
		Run: func(ctx context.Context, rec publish.Record) error {
			record, err := RecordFromHTML(rec.Path, rec.HTML, rec.At)
			if err != nil {
				return fmt.Errorf("extract page text: %w", err)
			}
			return s.IndexPage(ctx, record)
		},
	}
}

// ReindexAllFromPG pushes every stored page into Meilisearch. Called during
// startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.index.IndexPages(records); err != nil {
		log.Printf("search: reindex pages: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
