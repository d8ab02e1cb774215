// Package prompts builds the instructions sent to the extraction oracle.
// Every builder is a pure function of its parameters.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// SortMode selects the row order the oracle is asked to use.
type SortMode string

const (
	SortDefault    SortMode = "default"
	SortPluginAsc  SortMode = "plugin-asc"
	SortPluginDesc SortMode = "plugin-desc"
	SortNameAsc    SortMode = "name-asc"
	SortNameDesc   SortMode = "name-desc"
)

// RotationModes is the cycle used when the chunk strategy stagnates.
var RotationModes = []SortMode{SortPluginAsc, SortPluginDesc, SortNameAsc, SortNameDesc}

// DefaultMaxExcludedKeys bounds the exclusion list in chunk prompts.
const DefaultMaxExcludedKeys = 200

func (m SortMode) instruction() string {
	switch m {
	case SortPluginAsc:
		return "pluginId (asc), host (asc), name (asc), usn (asc)"
	case SortPluginDesc:
		return "pluginId (desc), host (asc), name (asc), usn (asc)"
	case SortNameAsc:
		return "name (asc), host (asc), pluginId (asc), usn (asc)"
	case SortNameDesc:
		return "name (desc), host (asc), pluginId (asc), usn (asc)"
	default:
		return "host (asc), pluginId (asc), name (asc), usn (asc)"
	}
}

const recordSchema = `Required JSON schema:
{
  "vulnerabilities": [
    {
      "reportId": "%[1]s",
      "host": "string|null",
      "severity": "string|null",
      "cvssV3": "number|null",
      "vpr": "number|null",
      "epss": "number|null",
      "pluginId": "string|null",
      "name": "string|null",
      "usn": "string|null"
    }
  ]
}`

// PageParams parameterises the single-page extraction prompt.
type PageParams struct {
	ReportID   string
	PageNumber int
	PageCount  int
	Lane       domain.Lane
}

// PageExtraction asks for every finding visible on one page.
func PageExtraction(p PageParams) string {
	var b strings.Builder
	b.WriteString("You are a vulnerability extraction engine.\n")
	b.WriteString("Analyze the attached single page of a Nessus report and return only valid JSON.\n\n")

	b.WriteString("Context:\n")
	fmt.Fprintf(&b, "- sourcePage: %s\n", orUnknown(p.PageNumber))
	fmt.Fprintf(&b, "- totalPages: %s\n", orUnknown(p.PageCount))
	fmt.Fprintf(&b, "- lane: %s\n\n", laneOrPrimary(p.Lane))

	b.WriteString("Rules:\n")
	writeCommonRules(&b, p.ReportID, "page")
	b.WriteString("7) Return all vulnerabilities visible on this single page only.\n")
	b.WriteString("8) Ensure every string is valid JSON escaped text.\n\n")

	fmt.Fprintf(&b, recordSchema, p.ReportID)
	return b.String()
}

// ChunkParams parameterises the severity-bounded chunk prompt.
type ChunkParams struct {
	ReportID     string
	Severity     domain.Severity
	Limit        int
	ExcludedKeys []string
	SortMode     SortMode
	FocusHint    string
}

// ChunkExtraction asks for at most Limit unseen findings of one severity.
func ChunkExtraction(p ChunkParams) string {
	var b strings.Builder
	b.WriteString("You are a vulnerability extraction engine.\n")
	b.WriteString("Analyze the attached Nessus report PDF and return only valid JSON.\n\n")

	b.WriteString("Rules:\n")
	writeCommonRules(&b, p.ReportID, "PDF")
	fmt.Fprintf(&b, "7) Return at most %d vulnerabilities.\n", p.Limit)
	fmt.Fprintf(&b, "8) Sort output by %s.\n", p.SortMode.instruction())
	fmt.Fprintf(&b, "9) Include only severity \"%s\" vulnerabilities.\n", p.Severity)
	b.WriteString("10) Ensure every string is valid JSON escaped text.\n")
	b.WriteString("11) Exclude any vulnerability whose identity key is in this list (host|pluginId|severity|usn|name):\n")
	if len(p.ExcludedKeys) == 0 {
		b.WriteString("- none\n")
	}
	for _, key := range p.ExcludedKeys {
		fmt.Fprintf(&b, "- %s\n", key)
	}

	if hint := strings.TrimSpace(p.FocusHint); hint != "" {
		fmt.Fprintf(&b, "\nFocus:\n%s\n", hint)
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, recordSchema, p.ReportID)
	return b.String()
}

// FocusHint returns the stagnation hint for a level, or "" at level 0.
func FocusHint(level int, severity domain.Severity) string {
	switch {
	case level <= 0:
		return ""
	case level == 1:
		return "Previous passes returned rows that were already known. Prioritize rows you have not returned before and scan the entire document, including later pages."
	case level == 2:
		return fmt.Sprintf("Several passes found nothing new. Skip the first rows of each table and look for %s findings deeper in the document: per-host sections, appendices and continuation pages.", severity)
	default:
		return fmt.Sprintf("Return ONLY %s findings whose identity key is absent from the exclusion list. Start from the last pages and work backwards. If no unseen findings exist, return an empty vulnerabilities list.", severity)
	}
}

// RecentKeys keeps the last n keys, preserving order.
func RecentKeys(keys []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(keys) <= n {
		return keys
	}
	return keys[len(keys)-n:]
}

// CategoryRow is one finding presented for classification.
type CategoryRow struct {
	Index    int     `json:"index"`
	Host     *string `json:"host"`
	PluginID *string `json:"pluginId"`
	Severity *string `json:"severity"`
	USN      *string `json:"usn"`
	Name     *string `json:"name"`
}

// CategoryParams parameterises the classification prompt.
type CategoryParams struct {
	ReportID   string
	PageNumber int
	PageCount  int
	Rows       []CategoryRow
}

// Categorization asks for one category per row index.
func Categorization(p CategoryParams) string {
	names := make([]string, len(domain.Categories))
	for i, c := range domain.Categories {
		names[i] = string(c)
	}

	rows, _ := json.MarshalIndent(p.Rows, "", "  ")

	var b strings.Builder
	b.WriteString("You are a vulnerability triage assistant.\n")
	b.WriteString("Assign exactly one remediation category to each vulnerability row below and return only valid JSON.\n\n")

	b.WriteString("Context:\n")
	fmt.Fprintf(&b, "- reportId: %s\n", p.ReportID)
	fmt.Fprintf(&b, "- sourcePage: %s\n", orUnknown(p.PageNumber))
	fmt.Fprintf(&b, "- totalPages: %s\n\n", orUnknown(p.PageCount))

	b.WriteString("Rules:\n")
	b.WriteString("1) Return JSON only (no markdown, no code fences, no commentary).\n")
	b.WriteString("2) Return this exact top-level shape: { \"categories\": [ { \"index\": 0, \"category\": \"Patching\" } ] }.\n")
	fmt.Fprintf(&b, "3) Return exactly one row per input index (%d rows). Do not skip, merge or reorder indices.\n", len(p.Rows))
	b.WriteString("4) Each row must contain only the fields index and category.\n")
	fmt.Fprintf(&b, "5) category must be one of: %s.\n", strings.Join(names, ", "))
	b.WriteString("6) Use \"Other\" when unsure.\n\n")

	b.WriteString("Rows:\n")
	b.Write(rows)
	b.WriteString("\n")
	return b.String()
}

func writeCommonRules(b *strings.Builder, reportID, scope string) {
	b.WriteString("1) Return JSON only (no markdown, no code fences, no commentary).\n")
	b.WriteString("2) Return this exact top-level shape: { \"vulnerabilities\": [ ... ] }.\n")
	b.WriteString("3) Each vulnerability item must contain only these fields:\n")
	b.WriteString("   reportId, host, severity, cvssV3, vpr, epss, pluginId, name, usn.\n")
	b.WriteString("4) Do not invent identifiers. Only report pluginId values printed in the document.\n")
	fmt.Fprintf(b, "5) Use reportId = \"%s\" for every item.\n", reportID)
	fmt.Fprintf(b, "6) If a value is not present in the %s, set it to null.\n", scope)
}

func orUnknown(n int) string {
	if n <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d", n)
}

func laneOrPrimary(l domain.Lane) domain.Lane {
	if l == "" {
		return domain.LanePrimary
	}
	return l
}
