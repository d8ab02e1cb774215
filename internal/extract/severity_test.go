package extract

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/vuln-extractor/internal/config"
	"github.com/spherical/vuln-extractor/internal/crosscheck"
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/prompts"
)

func chunkConfig(initial, minBatch, maxPasses int) config.ChunkConfig {
	return config.ChunkConfig{
		InitialBatchSize: initial,
		MinBatchSize:     minBatch,
		MaxPasses:        maxPasses,
		MaxExcludedKeys:  prompts.DefaultMaxExcludedKeys,
	}
}

// perSeverity dispatches to fn for sev and answers empty for every other
// severity. fn receives the call index within sev.
func perSeverity(sev domain.Severity, fn func(call int, unit crosscheck.Unit) (*crosscheck.Result, error)) func(int, crosscheck.Unit) (*crosscheck.Result, error) {
	calls := 0
	return func(_ int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		if unit.Severity != sev {
			return found(), nil
		}
		n := calls
		calls++
		return fn(n, unit)
	}
}

func fresh(sev domain.Severity, from, n int) []domain.VulnerabilityRecord {
	out := make([]domain.VulnerabilityRecord, n)
	for i := range out {
		id := from + i
		out[i] = rec(fmt.Sprintf("10.0.%d.1", id), fmt.Sprintf("%d", 1000+id), sev, fmt.Sprintf("Finding %d", id))
	}
	return out
}

func runSeverity(t *testing.T, recon *scriptedReconciler, cfg config.ChunkConfig) ([]UnitProgress, *Outcome) {
	t.Helper()
	var units []UnitProgress
	driver := NewDriver(recon, nil, extractionConfig(), WithHooks(Hooks{
		OnUnitDone: func(p UnitProgress) { units = append(units, p) },
	}))
	out, err := driver.Extract(context.Background(), Request{ReportID: "rep-1", SourcePath: "scan.pdf"},
		NewSeverityChunkStrategy(&fakeSource{}, cfg))
	require.NoError(t, err)
	return units, out
}

func onlySeverity(units []UnitProgress, sev domain.Severity) []UnitProgress {
	var out []UnitProgress
	for _, u := range units {
		if u.Severity == sev {
			out = append(out, u)
		}
	}
	return out
}

func TestStagnationLevel(t *testing.T) {
	tests := []struct {
		passes int
		want   int
	}{
		{0, 0}, {1, 1}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {9, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StagnationLevel(tt.passes), "passes=%d", tt.passes)
	}
	for n := 1; n < 12; n++ {
		assert.GreaterOrEqual(t, StagnationLevel(n), StagnationLevel(n-1))
	}
}

func TestPlanPass(t *testing.T) {
	p := planPass(0, 0, 0, 8, 3, domain.SeverityHigh)
	assert.Equal(t, 8, p.Limit)
	assert.Equal(t, prompts.SortDefault, p.SortMode)
	assert.Empty(t, p.FocusHint)

	assert.Equal(t, 6, planPass(0, 2, 0, 8, 3, domain.SeverityHigh).Limit)
	assert.Equal(t, 3, planPass(0, 2, 0, 4, 3, domain.SeverityHigh).Limit)
	assert.Equal(t, 3, planPass(0, 3, 0, 8, 3, domain.SeverityHigh).Limit)

	for pass := 0; pass < 8; pass++ {
		for level := 0; level <= MaxStagnationLevel; level++ {
			normal := planPass(pass, level, 0, 8, 3, domain.SeverityHigh)
			escape := planPass(pass, min(level+1, MaxStagnationLevel), 1, 8, 3, domain.SeverityHigh)
			assert.NotEqual(t, normal.SortMode, escape.SortMode, "pass=%d level=%d", pass, level)
			assert.True(t, escape.Escape)
			assert.NotEmpty(t, escape.FocusHint)
		}
	}
}

func TestSeverityChunk_TruncationHalvesBatch(t *testing.T) {
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityCritical, func(call int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		if call == 0 {
			res := found(fresh(domain.SeverityCritical, 0, 2)...)
			res.SawMaxTokens = true
			return res, nil
		}
		return found(fresh(domain.SeverityCritical, 10, 1)...), nil
	})}

	units, out := runSeverity(t, recon, chunkConfig(8, 3, 5))

	crit := onlySeverity(units, domain.SeverityCritical)
	require.Len(t, crit, 2)
	assert.Equal(t, 8, crit[0].BatchSize)
	assert.True(t, crit[0].SawMaxTokens)
	assert.Equal(t, 4, crit[1].BatchSize)
	assert.Equal(t, 1, crit[1].Pass, "truncation retry reuses the pass")
	assert.Equal(t, 0, crit[1].StagnationLevel)
	assert.Contains(t, recon.prompts[1], "Return at most 4 vulnerabilities.")
	assert.Equal(t, 3, out.Metrics.SeverityCountsStrict[domain.SeverityCritical])
	assert.True(t, out.Metrics.SawMaxTokens)
}

func TestSeverityChunk_BatchNeverBelowMinimum(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(int, crosscheck.Unit) (*crosscheck.Result, error) {
			return nil, domain.MalformedError("unterminated string", nil)
		})}
		units, out := runSeverity(t, recon, chunkConfig(8, 3, 5))

		high := onlySeverity(units, domain.SeverityHigh)
		require.Len(t, high, 3)
		sizes := []int{high[0].BatchSize, high[1].BatchSize, high[2].BatchSize}
		assert.Equal(t, []int{8, 4, 3}, sizes)
		for _, u := range high {
			assert.Equal(t, 1, u.Pass)
			assert.NotEmpty(t, u.Error)
		}

		recorded := onlySeverity(out.Metrics.Units, domain.SeverityHigh)
		require.Len(t, recorded, 3)
		assert.True(t, recorded[0].Retried)
		assert.True(t, recorded[1].Retried)
		assert.False(t, recorded[2].Retried)
		assert.Equal(t, 1, out.Metrics.FailedUnits)
	})

	t.Run("truncation", func(t *testing.T) {
		recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(int, crosscheck.Unit) (*crosscheck.Result, error) {
			res := found()
			res.SawMaxTokens = true
			return res, nil
		})}
		units, _ := runSeverity(t, recon, chunkConfig(9, 3, 4))

		high := onlySeverity(units, domain.SeverityHigh)
		require.NotEmpty(t, high)
		for _, u := range high {
			assert.GreaterOrEqual(t, u.BatchSize, 3)
		}
		assert.Equal(t, 9, high[0].BatchSize)
		assert.Equal(t, 4, high[1].BatchSize)
		assert.Equal(t, 3, high[2].BatchSize)
	})
}

func TestSeverityChunk_RecoveredRetryIsNotAFailure(t *testing.T) {
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(call int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		if call == 0 {
			return nil, domain.MalformedError("unexpected end of JSON input", nil)
		}
		return found(fresh(domain.SeverityHigh, 0, 2)...), nil
	})}

	_, out := runSeverity(t, recon, chunkConfig(8, 3, 5))

	assert.Zero(t, out.Metrics.FailedUnits)
	assert.Len(t, out.Records, 2)

	high := onlySeverity(out.Metrics.Units, domain.SeverityHigh)
	require.Len(t, high, 2)
	assert.NotEmpty(t, high[0].Error)
	assert.True(t, high[0].Retried)
	assert.Equal(t, 4, high[1].BatchSize)
	assert.Empty(t, high[1].Error)
	assert.False(t, high[1].Retried)
}

// escapeSteps flattens severity units into (batch, pass, level, escape).
func escapeSteps(units []UnitProgress) [][4]any {
	out := make([][4]any, len(units))
	for i, u := range units {
		out[i] = [4]any{u.BatchSize, u.Pass, u.StagnationLevel, u.Escape}
	}
	return out
}

func TestSeverityChunk_EscapeTruncationHalvesBatch(t *testing.T) {
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(call int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		res := found()
		res.SawMaxTokens = call == 1
		return res, nil
	})}

	units, out := runSeverity(t, recon, chunkConfig(8, 3, 5))

	high := onlySeverity(units, domain.SeverityHigh)
	assert.Equal(t, [][4]any{
		{8, 1, 0, false},
		{8, 1, 1, true},
		{4, 1, 0, false},
		{4, 1, 1, true},
		{4, 2, 1, false},
		{3, 2, 2, true},
		{4, 3, 1, false},
		{3, 3, 2, true},
	}, escapeSteps(high))
	assert.True(t, high[1].SawMaxTokens)
	assert.True(t, out.Metrics.SawMaxTokens)
	assert.Zero(t, out.Metrics.FailedUnits)
}

func TestSeverityChunk_MalformedEscapeHalvesBatch(t *testing.T) {
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(call int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		if call == 1 {
			return nil, domain.MalformedError("invalid character '}'", nil)
		}
		return found(), nil
	})}

	units, out := runSeverity(t, recon, chunkConfig(8, 3, 5))

	high := onlySeverity(units, domain.SeverityHigh)
	require.Len(t, high, 8)
	assert.Equal(t, [4]any{8, 1, 1, true}, escapeSteps(high)[1])
	assert.Equal(t, [4]any{4, 1, 0, false}, escapeSteps(high)[2])
	assert.NotEmpty(t, high[1].Error)

	recorded := onlySeverity(out.Metrics.Units, domain.SeverityHigh)
	assert.True(t, recorded[1].Retried)
	assert.Zero(t, out.Metrics.FailedUnits)
}

func TestSeverityChunk_EscapePassResetsStagnation(t *testing.T) {
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(call int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		switch call {
		case 0:
			return found(fresh(domain.SeverityHigh, 0, 2)...), nil
		case 1:
			return found(fresh(domain.SeverityHigh, 0, 2)...), nil
		case 2:
			return found(fresh(domain.SeverityHigh, 5, 1)...), nil
		default:
			return found(), nil
		}
	})}

	units, out := runSeverity(t, recon, chunkConfig(2, 1, 4))

	high := onlySeverity(units, domain.SeverityHigh)
	require.Len(t, high, 7)

	type step struct {
		pass   int
		level  int
		escape bool
		added  int
	}
	got := make([]step, len(high))
	for i, u := range high {
		got[i] = step{u.Pass, u.StagnationLevel, u.Escape, u.Added}
	}
	assert.Equal(t, []step{
		{1, 0, false, 2},
		{2, 0, false, 0},
		{2, 1, true, 1},
		{3, 0, false, 0},
		{3, 1, true, 0},
		{4, 1, false, 0},
		{4, 2, true, 0},
	}, got)
	assert.Equal(t, 3, out.Metrics.SeverityCountsStrict[domain.SeverityHigh])
}

func TestSeverityChunk_StopsAfterThreeBarrenPasses(t *testing.T) {
	recon := &scriptedReconciler{fn: func(int, crosscheck.Unit) (*crosscheck.Result, error) {
		return found(), nil
	}}
	units, out := runSeverity(t, recon, chunkConfig(20, 5, 8))

	for _, sev := range domain.SeverityOrder {
		got := onlySeverity(units, sev)
		require.Len(t, got, 6, string(sev))

		var levels []int
		for _, u := range got {
			if !u.Escape {
				levels = append(levels, u.StagnationLevel)
			}
		}
		assert.Equal(t, []int{0, 1, 1}, levels)
		for _, u := range got {
			assert.LessOrEqual(t, u.StagnationLevel, 2)
		}
	}
	assert.Empty(t, out.Records)
	assert.Zero(t, out.Metrics.PageCount)
}

func TestSeverityChunk_MaxPassesBound(t *testing.T) {
	next := 0
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityMedium, func(int, crosscheck.Unit) (*crosscheck.Result, error) {
		items := fresh(domain.SeverityMedium, next, 4)
		next += 4
		return found(items...), nil
	})}

	units, out := runSeverity(t, recon, chunkConfig(4, 2, 3))

	medium := onlySeverity(units, domain.SeverityMedium)
	require.Len(t, medium, 3)
	assert.Equal(t, 12, out.Metrics.SeverityCountsStrict[domain.SeverityMedium])
}

func TestSeverityChunk_FewerThanLimitEndsSeverity(t *testing.T) {
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityLow, func(int, crosscheck.Unit) (*crosscheck.Result, error) {
		return found(fresh(domain.SeverityLow, 0, 3)...), nil
	})}

	units, _ := runSeverity(t, recon, chunkConfig(5, 2, 8))
	assert.Len(t, onlySeverity(units, domain.SeverityLow), 1)
}

func TestSeverityChunk_ExclusionListCarriesSeenKeys(t *testing.T) {
	first := fresh(domain.SeverityHigh, 0, 2)
	recon := &scriptedReconciler{fn: perSeverity(domain.SeverityHigh, func(call int, unit crosscheck.Unit) (*crosscheck.Result, error) {
		if call == 0 {
			return found(first...), nil
		}
		return found(fresh(domain.SeverityHigh, 10, 1)...), nil
	})}

	_, _ = runSeverity(t, recon, chunkConfig(2, 1, 4))

	var highPrompts []string
	for i, u := range recon.units {
		if u.Severity == domain.SeverityHigh {
			highPrompts = append(highPrompts, recon.prompts[i])
		}
	}
	require.Len(t, highPrompts, 2)
	assert.Contains(t, highPrompts[0], "- none\n")
	for _, r := range first {
		assert.Contains(t, highPrompts[1], "- "+identity.Key(r)+"\n")
	}
	assert.Contains(t, highPrompts[1], `Include only severity "HIGH"`)
}

func TestSeverityChunk_CancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recon := &scriptedReconciler{fn: func(int, crosscheck.Unit) (*crosscheck.Result, error) {
		cancel()
		return nil, context.Canceled
	}}
	driver := NewDriver(recon, nil, extractionConfig())

	_, err := driver.Extract(ctx, Request{ReportID: "r"}, NewSeverityChunkStrategy(&fakeSource{}, chunkConfig(8, 3, 5)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, recon.units, 1)
}

func TestSeverityChunk_SendsWholeDocument(t *testing.T) {
	recon := &scriptedReconciler{fn: func(int, crosscheck.Unit) (*crosscheck.Result, error) {
		return found(), nil
	}}
	_, _ = runSeverity(t, recon, chunkConfig(8, 3, 1))

	require.NotEmpty(t, recon.units)
	u := recon.units[0]
	assert.Equal(t, "application/pdf", u.Document.MIMEType)
	assert.Equal(t, domain.SeverityCritical, u.Severity)
	require.NotNil(t, u.Accept)
	assert.True(t, u.Accept(rec("h", "1", domain.SeverityCritical, "x")))
	assert.False(t, u.Accept(rec("h", "1", domain.SeverityHigh, "x")))
}
