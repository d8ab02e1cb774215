// Package identity normalizes extracted findings and derives the keys used
// to compare, deduplicate and merge them. Nothing here returns an error:
// malformed input is coerced to null or a default.
package identity

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// AsString coerces a loosely typed JSON value into a trimmed string.
// nil, empty and whitespace-only values become nil.
func AsString(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case *string:
		if t == nil {
			return nil
		}
		s = *t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// AsNumber coerces a loosely typed JSON value into a finite float.
func AsNumber(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case *float64:
		if t == nil {
			return nil
		}
		f = *t
	case int:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// NormalizeSeverity uppercases a severity and folds INFORMATIONAL into INFO.
func NormalizeSeverity(v any) *domain.Severity {
	if sev, ok := v.(*domain.Severity); ok {
		if sev == nil {
			return nil
		}
		v = string(*sev)
	}
	if sev, ok := v.(domain.Severity); ok {
		v = string(sev)
	}
	s := AsString(v)
	if s == nil {
		return nil
	}
	sev := domain.Severity(strings.ToUpper(*s))
	if sev == "INFORMATIONAL" {
		sev = domain.SeverityInfo
	}
	return &sev
}

// NormalizeName applies NFKC and collapses whitespace runs to one space.
func NormalizeName(v any) *string {
	s := AsString(v)
	if s == nil {
		return nil
	}
	collapsed := strings.Join(strings.Fields(norm.NFKC.String(*s)), " ")
	if collapsed == "" {
		return nil
	}
	return &collapsed
}

// NormalizeCategory matches a category case-insensitively, defaulting to Other.
func NormalizeCategory(v any) domain.Category {
	if c, ok := v.(domain.Category); ok {
		v = string(c)
	}
	s := AsString(v)
	if s == nil {
		return domain.CategoryOther
	}
	for _, c := range domain.Categories {
		if strings.EqualFold(*s, string(c)) {
			return c
		}
	}
	return domain.CategoryOther
}

// NormalizeRecord builds a record from a decoded JSON object. The run's
// reportID always wins over any value the oracle supplied.
func NormalizeRecord(raw map[string]any, reportID string) domain.VulnerabilityRecord {
	return domain.VulnerabilityRecord{
		ReportID: reportID,
		Host:     AsString(raw["host"]),
		Severity: NormalizeSeverity(raw["severity"]),
		CVSSv3:   AsNumber(firstPresent(raw, "cvssV3", "cvss")),
		VPR:      AsNumber(raw["vpr"]),
		EPSS:     AsNumber(raw["epss"]),
		PluginID: AsString(raw["pluginId"]),
		Name:     NormalizeName(raw["name"]),
		USN:      AsString(raw["usn"]),
		Category: NormalizeCategory(raw["category"]),
	}
}

func firstPresent(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// Renormalize reapplies normalization to an already typed record.
func Renormalize(rec domain.VulnerabilityRecord, reportID string) domain.VulnerabilityRecord {
	return domain.VulnerabilityRecord{
		ReportID: reportID,
		Host:     AsString(rec.Host),
		Severity: NormalizeSeverity(rec.Severity),
		CVSSv3:   AsNumber(rec.CVSSv3),
		VPR:      AsNumber(rec.VPR),
		EPSS:     AsNumber(rec.EPSS),
		PluginID: AsString(rec.PluginID),
		Name:     NormalizeName(rec.Name),
		USN:      AsString(rec.USN),
		Category: NormalizeCategory(rec.Category),
	}
}

// RenormalizeAll applies Renormalize to every record.
func RenormalizeAll(records []domain.VulnerabilityRecord, reportID string) []domain.VulnerabilityRecord {
	out := make([]domain.VulnerabilityRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, Renormalize(rec, reportID))
	}
	return out
}
