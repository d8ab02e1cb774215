package extract

import (
	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/prompts"
)

// MaxStagnationLevel is the highest escalation level.
const MaxStagnationLevel = 3

// StagnationLevel maps consecutive no-growth passes to an escalation level:
// 0 passes is level 0, 1-2 is 1, 3-4 is 2 and 5 or more is 3.
func StagnationLevel(noGrowthPasses int) int {
	switch {
	case noGrowthPasses <= 0:
		return 0
	case noGrowthPasses <= 2:
		return 1
	case noGrowthPasses <= 4:
		return 2
	default:
		return MaxStagnationLevel
	}
}

type passPlan struct {
	Level     int
	Limit     int
	SortMode  prompts.SortMode
	FocusHint string
	Escape    bool
}

// planPass derives the prompt settings for a pass. offset shifts the sort
// rotation so an escape pass never repeats the order of the pass it follows.
func planPass(pass, level, offset, batch, minBatch int, severity domain.Severity) passPlan {
	limit := batch
	switch {
	case level >= MaxStagnationLevel:
		limit = minBatch
	case level == 2:
		limit = max(minBatch, batch-2)
	}

	mode := prompts.SortDefault
	if level > 0 {
		mode = prompts.RotationModes[(pass+level+offset*2)%len(prompts.RotationModes)]
	}

	return passPlan{
		Level:     level,
		Limit:     max(minBatch, limit),
		SortMode:  mode,
		FocusHint: prompts.FocusHint(level, severity),
		Escape:    offset > 0,
	}
}

// halve shrinks a batch size, never below the floor.
func halve(batch, minBatch int) int {
	return max(minBatch, batch/2)
}
