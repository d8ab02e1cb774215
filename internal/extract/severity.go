package extract

import (
	"context"
	"fmt"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/crosscheck"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/prompts"
)

// stagnationStop is the number of consecutive no-growth passes after which
// a severity is abandoned.
const stagnationStop = 3

// SeverityChunkStrategy sends the whole document once per pass and asks for
// a bounded batch of unseen findings of a single severity.
type SeverityChunkStrategy struct {
	source domain.DocumentSource
	cfg    config.ChunkConfig
}

// NewSeverityChunkStrategy creates a severity-chunk strategy.
func NewSeverityChunkStrategy(source domain.DocumentSource, cfg config.ChunkConfig) *SeverityChunkStrategy {
	if cfg.MinBatchSize < 1 {
		cfg.MinBatchSize = 1
	}
	if cfg.InitialBatchSize < cfg.MinBatchSize {
		cfg.InitialBatchSize = cfg.MinBatchSize
	}
	if cfg.MaxPasses < 1 {
		cfg.MaxPasses = 1
	}
	return &SeverityChunkStrategy{source: source, cfg: cfg}
}

// Name implements Strategy.
func (s *SeverityChunkStrategy) Name() string {
	return config.StrategySeverity
}

// Execute walks the severities in priority order.
func (s *SeverityChunkStrategy) Execute(ctx context.Context, run *Run) error {
	doc, err := s.source.Load(ctx, run.SourcePath)
	if err != nil {
		return err
	}
	run.planned(-1)

	for _, sev := range domain.SeverityOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.extractSeverity(ctx, run, doc, sev); err != nil {
			return err
		}
	}
	return nil
}

type passOutcome struct {
	returned  int
	added     int
	truncated bool
}

func (s *SeverityChunkStrategy) extractSeverity(ctx context.Context, run *Run, doc domain.Attachment, sev domain.Severity) error {
	logger := run.logger.WithOperation("severity").WithUnit(string(sev))
	minBatch := s.cfg.MinBatchSize
	batch := s.cfg.InitialBatchSize
	noGrowth := 0

	for pass := 0; pass < s.cfg.MaxPasses; {
		if err := ctx.Err(); err != nil {
			return err
		}

		level := StagnationLevel(noGrowth)
		plan := planPass(pass, level, 0, batch, minBatch, sev)

		out, err := s.runPass(ctx, run, doc, sev, pass, plan)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			if domain.IsType(err, domain.ErrorTypeMalformed) && batch > minBatch {
				batch = halve(batch, minBatch)
				run.retrying()
				logger.Warn().Int("pass", pass+1).Int("batch", batch).Msg("malformed response, shrinking batch")
				continue
			}
			run.unitFailed()
			logger.Error().Int("pass", pass+1).Err(err).Msg("giving up on severity")
			return nil
		}

		if out.truncated && plan.Limit > minBatch {
			batch = halve(plan.Limit, minBatch)
			if out.added > 0 {
				noGrowth = 0
			}
			logger.Warn().Int("pass", pass+1).Int("batch", batch).Msg("output truncated, shrinking batch")
			continue
		}

		grew := out.added > 0
		escaped := false
		if !grew {
			escPlan := planPass(pass, min(level+1, MaxStagnationLevel), 1, batch, minBatch, sev)
			escOut, err := s.runPass(ctx, run, doc, sev, pass, escPlan)
			switch {
			case err != nil && fatal(ctx, err):
				return err
			case domain.IsType(err, domain.ErrorTypeMalformed) && batch > minBatch:
				batch = halve(batch, minBatch)
				run.retrying()
				logger.Warn().Int("pass", pass+1).Int("batch", batch).Msg("malformed escape response, shrinking batch")
				continue
			case err != nil:
				run.unitFailed()
				logger.Warn().Int("pass", pass+1).Err(err).Msg("escape pass failed")
			case escOut.truncated && escPlan.Limit > minBatch:
				batch = halve(escPlan.Limit, minBatch)
				if escOut.added > 0 {
					noGrowth = 0
				}
				logger.Warn().Int("pass", pass+1).Int("batch", batch).Msg("escape output truncated, shrinking batch")
				continue
			default:
				grew = escOut.added > 0
			}
			escaped = true
		}

		if grew {
			noGrowth = 0
		} else {
			noGrowth++
		}
		pass++

		if noGrowth >= stagnationStop {
			logger.Info().Int("passes", pass).Msg("severity stagnated")
			return nil
		}
		if level == 0 && !escaped && out.returned < plan.Limit {
			logger.Debug().Int("passes", pass).Msg("severity exhausted")
			return nil
		}
	}
	return nil
}

func (s *SeverityChunkStrategy) runPass(ctx context.Context, run *Run, doc domain.Attachment, sev domain.Severity, pass int, plan passPlan) (passOutcome, error) {
	params := prompts.ChunkParams{
		ReportID:     run.ReportID,
		Severity:     sev,
		Limit:        plan.Limit,
		ExcludedKeys: prompts.RecentKeys(severityKeys(run.Baseline(), sev), s.cfg.MaxExcludedKeys),
		SortMode:     plan.SortMode,
		FocusHint:    plan.FocusHint,
	}

	label := fmt.Sprintf("%s pass %d", sev, pass+1)
	if plan.Escape {
		label += " escape"
	}

	unit := crosscheck.Unit{
		Label:    label,
		Severity: sev,
		Pass:     pass + 1,
		Document: doc,
		Prompt:   func(domain.Lane) string { return prompts.ChunkExtraction(params) },
		Accept: func(rec domain.VulnerabilityRecord) bool {
			return rec.Severity != nil && *rec.Severity == sev
		},
	}

	res, added, err := run.Reconcile(ctx, unit, UnitProgress{
		Severity:        sev,
		Pass:            pass + 1,
		BatchSize:       plan.Limit,
		StagnationLevel: plan.Level,
		SortMode:        string(plan.SortMode),
		Escape:          plan.Escape,
	})
	if err != nil {
		return passOutcome{}, err
	}
	return passOutcome{returned: len(res.Items), added: added, truncated: res.SawMaxTokens}, nil
}

func severityKeys(records []domain.VulnerabilityRecord, sev domain.Severity) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Severity != nil && *rec.Severity == sev {
			keys = append(keys, identity.Key(rec))
		}
	}
	return keys
}
