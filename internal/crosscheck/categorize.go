package crosscheck

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/identity"
	"github.com/spherical/vuln-extractor/internal/prompts"
)

type categoryRow struct {
	Index    json.Number `json:"index"`
	Category any         `json:"category"`
}

// categorize assigns a category to every item with one text call. It never
// fails: any error leaves every item as Other.
func (e *Engine) categorize(ctx context.Context, unit Unit, items []domain.VulnerabilityRecord) ([]domain.VulnerabilityRecord, bool, int) {
	if len(items) == 0 {
		return items, false, 0
	}

	rows := make([]prompts.CategoryRow, len(items))
	for i, rec := range items {
		row := prompts.CategoryRow{
			Index:    i,
			Host:     rec.Host,
			PluginID: rec.PluginID,
			USN:      rec.USN,
			Name:     rec.Name,
		}
		if rec.Severity != nil {
			sev := string(*rec.Severity)
			row.Severity = &sev
		}
		rows[i] = row
	}

	unit.Counter.add(1)
	resp, err := e.oracle.CallForText(ctx, prompts.Categorization(prompts.CategoryParams{
		ReportID:   unit.ReportID,
		PageNumber: unit.Page,
		PageCount:  unit.PageCount,
		Rows:       rows,
	}))

	var assigned map[int]domain.Category
	if err == nil {
		assigned, err = parseCategories(resp.Data, len(items))
	}

	out := make([]domain.VulnerabilityRecord, len(items))
	for i, rec := range items {
		rec.Category = domain.CategoryOther
		if c, ok := assigned[i]; ok {
			rec.Category = c
		}
		out[i] = rec
	}

	if err != nil {
		e.logger.WithUnit(unit.Label).Warn().
			Int("items", len(items)).
			Err(domain.CategorizationError("categorization failed, defaulting to Other", err)).
			Msg("categorization degraded")
		return out, false, 1
	}
	return out, resp.Truncated(), 1
}

// parseCategories reads {"categories":[{index,category}]} or a bare array.
// Out-of-range or non-integer indices are ignored; the first row for an
// index wins.
func parseCategories(data json.RawMessage, n int) (map[int]domain.Category, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rows []categoryRow
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := dec.Decode(&rows); err != nil {
			return nil, domain.MalformedError("categories are not an array of rows", err)
		}
	} else {
		var envelope struct {
			Categories []categoryRow `json:"categories"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil, domain.MalformedError("categories envelope is not valid", err)
		}
		rows = envelope.Categories
	}

	assigned := make(map[int]domain.Category, n)
	for _, row := range rows {
		idx, err := row.Index.Int64()
		if err != nil || idx < 0 || idx >= int64(n) {
			continue
		}
		if _, seen := assigned[int(idx)]; seen {
			continue
		}
		assigned[int(idx)] = identity.NormalizeCategory(row.Category)
	}
	return assigned, nil
}
