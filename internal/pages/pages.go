// Package pages stores generative-UI blobs published by runs: resume forms
// for webhook waits, reports, dashboards. Pages are keyed (runID, slug) and
// served verbatim over HTTP; non-persistent ones are removed by the Janitor
// when their run reaches a terminal event.
package pages

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/pkg/schema"
)

// DefaultContentType is assumed for pages published without one.
const DefaultContentType = "text/html; charset=utf-8"

// Slugs become URL path segments, so the charset is restricted up front.
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Service provides page storage on top of the run store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a page service backed by the given store.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger.With("component", "pages")}
}

// Publish stores or replaces a page. The slug is validated and an empty
// content type defaults to HTML.
func (s *Service) Publish(ctx context.Context, page *store.Page) error {
	if page.RunID == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "page requires a run id")
	}
	if !slugPattern.MatchString(page.Slug) {
		return schema.NewErrorf(schema.ErrCodeInvalidInput, "invalid page slug %q", page.Slug)
	}
	if page.ContentType == "" {
		page.ContentType = DefaultContentType
	}

	if err := s.store.UpsertPage(ctx, page); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"failed to store page %q for run %s: %s", page.Slug, page.RunID, err.Error()).
			WithRun(page.RunID).WithCause(err)
	}

	s.logger.Debug("page published",
		"run_id", page.RunID, "slug", page.Slug, "persist", page.Persist, "bytes", len(page.Content))
	return nil
}

// Get returns one page. Missing pages surface the store's not_found error.
func (s *Service) Get(ctx context.Context, runID, slug string) (*store.Page, error) {
	return s.store.GetPage(ctx, runID, slug)
}

// List returns all pages of a run ordered by slug.
func (s *Service) List(ctx context.Context, runID string) ([]*store.Page, error) {
	return s.store.ListPages(ctx, runID)
}
