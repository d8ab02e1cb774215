// Package extract drives cross-checked extraction over a whole report.
// The driver owns the running aggregate; strategies decide which units of
// work to schedule and in what order.
package extract

import (
	"context"
	"errors"
	"time"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/crosscheck"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/observability"
)

// Reconciler resolves one unit of work against a baseline.
type Reconciler interface {
	Run(ctx context.Context, unit crosscheck.Unit, baseline []domain.VulnerabilityRecord) (*crosscheck.Result, error)
}

// Strategy schedules units of work for a run.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, run *Run) error
}

// Hooks observe unit progress. Any hook may be nil.
type Hooks struct {
	OnPlanned   func(totalUnits int)
	OnUnitStart func(label string)
	OnUnitDone  func(progress UnitProgress)
}

// UnitProgress records what one unit of work produced.
type UnitProgress struct {
	Label            string          `json:"label"`
	Page             int             `json:"page,omitempty"`
	Severity         domain.Severity `json:"severity,omitempty"`
	Pass             int             `json:"pass,omitempty"`
	BatchSize        int             `json:"batchSize,omitempty"`
	StagnationLevel  int             `json:"stagnationLevel,omitempty"`
	SortMode         string          `json:"sortMode,omitempty"`
	Escape           bool            `json:"escape,omitempty"`
	Attempts         int             `json:"attempts"`
	Calls            int             `json:"calls"`
	Returned         int             `json:"returned"`
	Added            int             `json:"added"`
	MismatchResolved bool            `json:"mismatchResolved"`
	SawMaxTokens     bool            `json:"sawMaxTokens"`
	Retried          bool            `json:"retried,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Metrics summarises a run. It is the meta of the final snapshot.
type Metrics struct {
	Status                  domain.SnapshotStatus   `json:"status"`
	ReportID                string                  `json:"reportId"`
	Strategy                string                  `json:"strategy"`
	PageCount               int                     `json:"pageCount,omitempty"`
	TotalOracleCalls        int                     `json:"totalOracleCalls"`
	MismatchedUnitsResolved int                     `json:"mismatchedUnitsResolved"`
	FailedUnits             int                     `json:"failedUnits"`
	SawMaxTokens            bool                    `json:"sawMaxTokens"`
	StrictCount             int                     `json:"strictCount"`
	SoftCount               int                     `json:"softCount"`
	SoftDuplicatesRemoved   int                     `json:"softDuplicatesRemoved"`
	ApplySoftDedupe         bool                    `json:"applySoftDedupe"`
	SeverityCountsStrict    map[domain.Severity]int `json:"severityCountsStrict"`
	SeverityCountsSoft      map[domain.Severity]int `json:"severityCountsSoft"`
	Units                   []UnitProgress          `json:"unitProgress"`
	DurationMS              int64                   `json:"durationMs"`
	UpdatedAt               time.Time               `json:"updatedAt"`
}

// Request identifies the document to extract.
type Request struct {
	ReportID   string
	SourcePath string
}

// Outcome is the result of a completed run.
type Outcome struct {
	Records []domain.VulnerabilityRecord
	Metrics Metrics
}

// Run is the state of one extraction run. Only the driver's goroutine
// touches it.
type Run struct {
	ReportID   string
	SourcePath string

	engine    Reconciler
	counter   *crosscheck.Counter
	hooks     Hooks
	logger    *observability.Logger
	aggregate []domain.VulnerabilityRecord
	pageCount int
	units     []UnitProgress
	mismatch  int
	failed    int
	truncated bool
}

// Baseline returns the current aggregate. Callers must not modify it.
func (r *Run) Baseline() []domain.VulnerabilityRecord {
	return r.aggregate
}

// Reconcile runs one unit of work and merges its answer into the
// aggregate. The merge happens only when reconciliation succeeds.
func (r *Run) Reconcile(ctx context.Context, unit crosscheck.Unit, progress UnitProgress) (*crosscheck.Result, int, error) {
	unit.ReportID = r.ReportID
	unit.Counter = r.counter
	progress.Label = unit.Label

	if r.hooks.OnUnitStart != nil {
		r.hooks.OnUnitStart(unit.Label)
	}

	res, err := r.engine.Run(ctx, unit, r.aggregate)
	if err != nil {
		progress.Error = err.Error()
		r.record(progress)
		return nil, 0, err
	}

	merged, added := identity.Merge(r.aggregate, res.Items)
	r.aggregate = merged

	progress.Attempts = res.Attempts
	progress.Calls = res.Calls
	progress.Returned = len(res.Items)
	progress.Added = added
	progress.MismatchResolved = res.MismatchResolved
	progress.SawMaxTokens = res.SawMaxTokens
	if res.MismatchResolved {
		r.mismatch++
	}
	r.truncated = r.truncated || res.SawMaxTokens
	r.record(progress)

	r.logger.Info().
		Str("unit", unit.Label).
		Int("returned", len(res.Items)).
		Int("added", added).
		Int("total", len(r.aggregate)).
		Bool("mismatch_resolved", res.MismatchResolved).
		Msg("unit complete")
	return res, added, nil
}

func (r *Run) record(progress UnitProgress) {
	r.units = append(r.units, progress)
	if r.hooks.OnUnitDone != nil {
		r.hooks.OnUnitDone(progress)
	}
}

// retrying marks the last failed unit as one the strategy will retry with a
// different plan.
func (r *Run) retrying() {
	if n := len(r.units); n > 0 {
		r.units[n-1].Retried = true
	}
}

// unitFailed counts a unit the strategy gave up on.
func (r *Run) unitFailed() {
	r.failed++
}

func (r *Run) planned(total int) {
	if r.hooks.OnPlanned != nil {
		r.hooks.OnPlanned(total)
	}
}

// fatal reports errors that must abort the whole run.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		domain.IsType(err, domain.ErrorTypeConfig)
}

// Driver runs a strategy and produces the final record set.
type Driver struct {
	engine          Reconciler
	sink            domain.ProgressSink
	applySoftDedupe bool
	hooks           Hooks
	logger          *observability.Logger
	now             func() time.Time
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithHooks sets progress hooks.
func WithHooks(hooks Hooks) DriverOption {
	return func(d *Driver) { d.hooks = hooks }
}

// WithLogger sets the driver logger.
func WithLogger(logger *observability.Logger) DriverOption {
	return func(d *Driver) { d.logger = observability.OrNop(logger).WithComponent("extract") }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

// NewDriver creates a driver. sink may be nil.
func NewDriver(engine Reconciler, sink domain.ProgressSink, cfg config.ExtractionConfig, opts ...DriverOption) *Driver {
	d := &Driver{
		engine:          engine,
		sink:            sink,
		applySoftDedupe: cfg.ApplySoftDedupe,
		logger:          observability.Nop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Extract runs strategy over the request's document.
func (d *Driver) Extract(ctx context.Context, req Request, strategy Strategy) (*Outcome, error) {
	start := d.now()
	logger := d.logger.WithReport(req.ReportID).WithOperation(strategy.Name())

	run := &Run{
		ReportID:   req.ReportID,
		SourcePath: req.SourcePath,
		engine:     d.engine,
		counter:    &crosscheck.Counter{},
		hooks:      d.hooks,
		logger:     logger,
	}

	logger.Info().Str("source", req.SourcePath).Msg("starting extraction")
	if err := strategy.Execute(ctx, run); err != nil {
		logger.Error().Err(err).Msg("extraction failed")
		return nil, err
	}

	strict := identity.DedupeStrict(identity.RenormalizeAll(run.aggregate, req.ReportID))
	soft := identity.DedupeSoft(strict)

	records := strict
	if d.applySoftDedupe {
		records = soft
	}

	metrics := Metrics{
		Status:                  domain.StatusComplete,
		ReportID:                req.ReportID,
		Strategy:                strategy.Name(),
		PageCount:               run.pageCount,
		TotalOracleCalls:        run.counter.Load(),
		MismatchedUnitsResolved: run.mismatch,
		FailedUnits:             run.failed,
		SawMaxTokens:            run.truncated,
		StrictCount:             len(strict),
		SoftCount:               len(soft),
		SoftDuplicatesRemoved:   len(strict) - len(soft),
		ApplySoftDedupe:         d.applySoftDedupe,
		SeverityCountsStrict:    identity.CountBySeverity(strict),
		SeverityCountsSoft:      identity.CountBySeverity(soft),
		Units:                   run.units,
		DurationMS:              d.now().Sub(start).Milliseconds(),
		UpdatedAt:               d.now().UTC(),
	}
	if metrics.Units == nil {
		metrics.Units = []UnitProgress{}
	}

	d.publishFinal(ctx, records, metrics)

	logger.Info().
		Int("records", len(records)).
		Int("oracle_calls", metrics.TotalOracleCalls).
		Int("mismatches_resolved", metrics.MismatchedUnitsResolved).
		Int("failed_units", metrics.FailedUnits).
		Msg("extraction complete")

	return &Outcome{Records: records, Metrics: metrics}, nil
}

func (d *Driver) publishFinal(ctx context.Context, records []domain.VulnerabilityRecord, metrics Metrics) {
	if d.sink == nil {
		return
	}
	for _, lane := range domain.Lanes {
		meta := domain.SnapshotMeta{
			Status:     domain.StatusComplete,
			Lane:       lane,
			TotalCalls: metrics.TotalOracleCalls,
			UpdatedAt:  metrics.UpdatedAt,
		}
		if err := d.sink.Publish(ctx, domain.SnapshotKindFor(lane), records, meta); err != nil {
			d.logger.Warn().Str("lane", string(lane)).Err(err).Msg("lane snapshot publish failed")
		}
	}
	if err := d.sink.Publish(ctx, domain.SnapshotFinal, records, metrics); err != nil {
		d.logger.Warn().Err(err).Msg("final snapshot publish failed")
	}
}
