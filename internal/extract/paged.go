package extract

import (
	"context"
	"fmt"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/crosscheck"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/prompts"
)

// PagedStrategy reconciles one rendered page at a time, in page order.
type PagedStrategy struct {
	source domain.DocumentSource
}

// NewPagedStrategy creates a page-by-page strategy.
func NewPagedStrategy(source domain.DocumentSource) *PagedStrategy {
	return &PagedStrategy{source: source}
}

// Name implements Strategy.
func (s *PagedStrategy) Name() string {
	return config.StrategyPaged
}

// Execute splits the document and reconciles every page. A failed page is
// recorded and skipped; the run fails only when every page fails.
func (s *PagedStrategy) Execute(ctx context.Context, run *Run) error {
	doc, err := s.source.Split(ctx, run.SourcePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.source.Cleanup(); err != nil {
			run.logger.Warn().Err(err).Msg("failed to clean up rendered pages")
		}
	}()

	run.pageCount = doc.PageCount
	run.planned(len(doc.Pages))
	run.logger.Info().Int("pages", doc.PageCount).Msg("document split")

	var lastErr error
	failures := 0
	for _, page := range doc.Pages {
		if err := ctx.Err(); err != nil {
			return err
		}

		params := prompts.PageParams{
			ReportID:   run.ReportID,
			PageNumber: page.Number,
			PageCount:  doc.PageCount,
		}
		unit := crosscheck.Unit{
			Label:     fmt.Sprintf("page %d/%d", page.Number, doc.PageCount),
			Page:      page.Number,
			PageCount: doc.PageCount,
			Document:  page.Attachment,
			Prompt: func(lane domain.Lane) string {
				p := params
				p.Lane = lane
				return prompts.PageExtraction(p)
			},
		}

		_, _, err := run.Reconcile(ctx, unit, UnitProgress{Page: page.Number})
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			run.logger.Error().Int("page", page.Number).Err(err).Msg("page extraction failed")
			run.unitFailed()
			failures++
			lastErr = err
		}
	}

	if len(doc.Pages) > 0 && failures == len(doc.Pages) {
		return domain.ExtractionError("all pages failed to extract", lastErr)
	}
	return nil
}
