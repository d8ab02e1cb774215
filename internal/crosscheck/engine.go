// Package crosscheck reconciles independent oracle answers for one unit of
// work. Each attempt issues the same prompt on two lanes; matching answers
// are accepted, and persistent disagreement is settled by vote.
package crosscheck

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/observability"
)

// Unit describes one unit of work: a page, or a severity pass.
type Unit struct {
	Label     string
	ReportID  string
	Page      int
	PageCount int
	Severity  domain.Severity
	Pass      int
	Document  domain.Attachment

	// Prompt builds the prompt for a lane. Both lanes must get the same
	// instructions; only lane bookkeeping may differ.
	Prompt func(lane domain.Lane) string

	// Accept filters decoded records. Nil accepts everything.
	Accept func(domain.VulnerabilityRecord) bool

	// Counter receives every oracle call made for this unit.
	Counter *Counter
}

// Result is the outcome of reconciling a unit of work.
type Result struct {
	Items            []domain.VulnerabilityRecord
	MismatchResolved bool
	SawMaxTokens     bool
	Attempts         int
	Calls            int
}

// Engine runs the cross-check protocol against an oracle.
type Engine struct {
	oracle     domain.Oracle
	sink       domain.ProgressSink
	retries    int
	concurrent bool
	logger     *observability.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where in-flight snapshots are published.
func WithSink(sink domain.ProgressSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = observability.OrNop(logger).WithComponent("crosscheck") }
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with the given retry settings.
func NewEngine(oracle domain.Oracle, cfg config.CrossCheckConfig, opts ...Option) *Engine {
	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	e := &Engine{
		oracle:     oracle,
		retries:    retries,
		concurrent: cfg.ConcurrentLanes,
		logger:     observability.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type laneOutcome struct {
	lane      domain.Lane
	items     []domain.VulnerabilityRecord
	signature string
	truncated bool
	err       error
}

// Run reconciles one unit of work against a read-only baseline. The
// returned items are the unit's answer; merging them is the caller's job.
//
// Timeouts and transport failures consume an attempt. Malformed responses,
// configuration errors and cancellation are returned immediately.
func (e *Engine) Run(ctx context.Context, unit Unit, baseline []domain.VulnerabilityRecord) (*Result, error) {
	logger := e.logger.WithUnit(unit.Label)
	table := NewFrequencyTable()
	res := &Result{}

	var lastErr error
	var last [2]laneOutcome

	for attempt := 1; attempt <= e.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Attempts = attempt

		outcomes := e.callLanes(ctx, unit)
		res.Calls += len(outcomes)

		failed := false
		for _, out := range outcomes {
			if out.err == nil {
				res.SawMaxTokens = res.SawMaxTokens || out.truncated
				table.Observe(out.signature, out.items)
				e.publish(ctx, domain.SnapshotKindFor(out.lane), identityMerge(baseline, out.items), domain.SnapshotMeta{
					Status:     domain.StatusCrossChecking,
					Lane:       out.lane,
					Attempt:    attempt,
					TotalCalls: unit.Counter.Load(),
				}, unit)
				continue
			}
			switch domain.ErrorTypeOf(out.err) {
			case domain.ErrorTypeTimeout, domain.ErrorTypeTransport:
				logger.Warn().
					Str("lane", string(out.lane)).
					Int("attempt", attempt).
					Err(out.err).
					Msg("lane call failed")
				lastErr = out.err
				failed = true
			default:
				return nil, out.err
			}
		}
		if failed {
			continue
		}
		last = [2]laneOutcome{outcomes[0], outcomes[1]}

		if outcomes[0].signature == outcomes[1].signature {
			logger.Debug().
				Int("attempt", attempt).
				Int("items", len(outcomes[0].items)).
				Msg("lanes matched")
			res.Items = outcomes[0].items
			return e.finish(ctx, unit, baseline, res, domain.SnapshotMeta{Status: domain.StatusMatched, Attempt: attempt})
		}

		logger.Info().
			Int("attempt", attempt).
			Int("primary", len(outcomes[0].items)).
			Int("secondary", len(outcomes[1].items)).
			Msg("lanes disagree")
	}

	winner, ok := table.Resolve()
	if !ok {
		return nil, lastErr
	}

	res.Items = winner.Items
	res.MismatchResolved = true
	meta := domain.SnapshotMeta{
		Status:           domain.StatusMismatchResolved,
		Attempt:          res.Attempts,
		MismatchResolved: true,
	}
	if last[0].lane != "" {
		primary, secondary := len(last[0].items), len(last[1].items)
		meta.ResolvedFromPrimaryCount = &primary
		meta.ResolvedFromSecondaryCount = &secondary
	}
	logger.Info().
		Int("candidates", table.Len()).
		Int("votes", winner.Count).
		Int("items", len(winner.Items)).
		Msg("mismatch resolved by vote")
	return e.finish(ctx, unit, baseline, res, meta)
}

func (e *Engine) finish(ctx context.Context, unit Unit, baseline []domain.VulnerabilityRecord, res *Result, meta domain.SnapshotMeta) (*Result, error) {
	items, truncated, calls := e.categorize(ctx, unit, res.Items)
	res.Items = items
	res.SawMaxTokens = res.SawMaxTokens || truncated
	res.Calls += calls

	merged := identityMerge(baseline, res.Items)
	meta.TotalCalls = unit.Counter.Load()
	for _, lane := range domain.Lanes {
		m := meta
		m.Lane = lane
		e.publish(ctx, domain.SnapshotKindFor(lane), merged, m, unit)
	}
	return res, nil
}

func (e *Engine) callLanes(ctx context.Context, unit Unit) []laneOutcome {
	outcomes := make([]laneOutcome, len(domain.Lanes))
	if !e.concurrent {
		for i, lane := range domain.Lanes {
			outcomes[i] = e.callLane(ctx, unit, lane)
		}
		return outcomes
	}

	// lane failures are carried in the outcome so one lane never cancels the other
	var g errgroup.Group
	for i, lane := range domain.Lanes {
		g.Go(func() error {
			outcomes[i] = e.callLane(ctx, unit, lane)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) callLane(ctx context.Context, unit Unit, lane domain.Lane) laneOutcome {
	out := laneOutcome{lane: lane}
	unit.Counter.add(1)

	var resp *domain.OracleResponse
	if unit.Document.Empty() {
		resp, out.err = e.oracle.CallForText(ctx, unit.Prompt(lane))
	} else {
		resp, out.err = e.oracle.CallForDocument(ctx, unit.Document, unit.Prompt(lane))
	}
	if out.err != nil {
		return out
	}

	items := identity.DecodeRecords(resp.Data, unit.ReportID)
	if unit.Accept != nil {
		kept := items[:0]
		for _, rec := range items {
			if unit.Accept(rec) {
				kept = append(kept, rec)
			}
		}
		items = kept
	}
	out.items = identity.DedupeStrict(items)
	out.signature = identity.Canonicalize(out.items)
	out.truncated = resp.Truncated()
	return out
}

func (e *Engine) publish(ctx context.Context, kind domain.SnapshotKind, items []domain.VulnerabilityRecord, meta domain.SnapshotMeta, unit Unit) {
	if e.sink == nil {
		return
	}
	meta.Unit = unit.Label
	meta.Page = unit.Page
	meta.PageCount = unit.PageCount
	meta.Severity = unit.Severity
	meta.Pass = unit.Pass
	meta.UpdatedAt = e.now().UTC()
	if err := e.sink.Publish(ctx, kind, items, meta); err != nil {
		e.logger.Warn().Str("kind", string(kind)).Err(err).Msg("snapshot publish failed")
	}
}

func identityMerge(baseline, items []domain.VulnerabilityRecord) []domain.VulnerabilityRecord {
	merged, _ := identity.Merge(baseline, items)
	return merged
}
