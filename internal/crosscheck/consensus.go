package crosscheck

import (
	"sort"
	"sync/atomic"

	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
)

// Candidate is one distinct lane answer observed during a unit of work.
type Candidate struct {
	Signature string
	Count     int
	Items     []domain.VulnerabilityRecord
	PluginIDs int
}

// FrequencyTable counts how often each canonical answer was seen.
// Candidates keep first-observation order.
type FrequencyTable struct {
	order []*Candidate
	index map[string]*Candidate
}

// NewFrequencyTable creates an empty table.
func NewFrequencyTable() *FrequencyTable {
	return &FrequencyTable{index: make(map[string]*Candidate)}
}

// Observe records one lane answer. Items are stored on first sight only.
func (t *FrequencyTable) Observe(signature string, items []domain.VulnerabilityRecord) {
	if c, ok := t.index[signature]; ok {
		c.Count++
		return
	}
	pluginIDs := 0
	for _, rec := range items {
		if identity.HasPluginID(rec) {
			pluginIDs++
		}
	}
	c := &Candidate{Signature: signature, Count: 1, Items: items, PluginIDs: pluginIDs}
	t.order = append(t.order, c)
	t.index[signature] = c
}

// Len returns the number of distinct candidates.
func (t *FrequencyTable) Len() int {
	return len(t.order)
}

// Resolve picks the winning candidate: highest count, then most items,
// then most items carrying a pluginId. Remaining ties go to the earliest.
func (t *FrequencyTable) Resolve() (*Candidate, bool) {
	if len(t.order) == 0 {
		return nil, false
	}
	ranked := make([]*Candidate, len(t.order))
	copy(ranked, t.order)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if len(a.Items) != len(b.Items) {
			return len(a.Items) > len(b.Items)
		}
		return a.PluginIDs > b.PluginIDs
	})
	return ranked[0], true
}

// Counter tallies oracle calls across a run. Safe for concurrent use.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) add(delta int) {
	if c != nil {
		c.n.Add(int64(delta))
	}
}

// Load returns the current total.
func (c *Counter) Load() int {
	if c == nil {
		return 0
	}
	return int(c.n.Load())
}
