package identity

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/spherical/vuln-extractor/internal/domain"
)

const keySeparator = "|"

// KeyFunc derives a deduplication key from a record.
type KeyFunc func(domain.VulnerabilityRecord) string

type identityFields struct {
	host, pluginID, severity, usn, name string
}

func fieldsOf(rec domain.VulnerabilityRecord) identityFields {
	var f identityFields
	f.host = deref(AsString(rec.Host))
	f.pluginID = deref(AsString(rec.PluginID))
	if sev := NormalizeSeverity(rec.Severity); sev != nil {
		f.severity = string(*sev)
	}
	f.usn = deref(AsString(rec.USN))
	f.name = deref(NormalizeName(rec.Name))
	return f
}

// Key is the strict identity: host|pluginId|severity|usn|name.
// Two records with the same key are the same finding.
func Key(rec domain.VulnerabilityRecord) string {
	f := fieldsOf(rec)
	return strings.Join([]string{f.host, f.pluginID, f.severity, f.usn, f.name}, keySeparator)
}

// SoftKey ignores the name when a pluginId is present, since the oracle
// phrases names inconsistently.
func SoftKey(rec domain.VulnerabilityRecord) string {
	f := fieldsOf(rec)
	if f.pluginID != "" {
		return strings.Join([]string{f.host, f.pluginID, f.severity, f.usn}, keySeparator)
	}
	return strings.Join([]string{f.host, f.severity, f.usn, f.name}, keySeparator)
}

// Dedupe keeps the first record seen for each key, preserving order.
func Dedupe(records []domain.VulnerabilityRecord, keyFn KeyFunc) []domain.VulnerabilityRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]domain.VulnerabilityRecord, 0, len(records))
	for _, rec := range records {
		k := keyFn(rec)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// DedupeStrict dedupes by Key.
func DedupeStrict(records []domain.VulnerabilityRecord) []domain.VulnerabilityRecord {
	return Dedupe(records, Key)
}

// DedupeSoft dedupes by SoftKey.
func DedupeSoft(records []domain.VulnerabilityRecord) []domain.VulnerabilityRecord {
	return Dedupe(records, SoftKey)
}

// Merge appends the records of add whose keys are not already in base.
// base must already be strictly deduplicated. The returned slice is new;
// base is never modified.
func Merge(base, add []domain.VulnerabilityRecord) ([]domain.VulnerabilityRecord, int) {
	seen := make(map[string]struct{}, len(base)+len(add))
	merged := make([]domain.VulnerabilityRecord, 0, len(base)+len(add))
	for _, rec := range base {
		seen[Key(rec)] = struct{}{}
		merged = append(merged, rec)
	}
	added := 0
	for _, rec := range add {
		k := Key(rec)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, rec)
		added++
	}
	return merged, added
}

type projection struct {
	Host     *string `json:"host"`
	PluginID *string `json:"pluginId"`
	Severity *string `json:"severity"`
	USN      *string `json:"usn"`
	Name     *string `json:"name"`
}

// Canonicalize returns a signature for a list of records that depends only
// on the set of identities it contains. Order, duplicates and score fields
// do not affect it.
func Canonicalize(records []domain.VulnerabilityRecord) string {
	unique := DedupeStrict(records)

	type keyed struct {
		key  string
		proj projection
	}
	rows := make([]keyed, 0, len(unique))
	for _, rec := range unique {
		f := fieldsOf(rec)
		rows = append(rows, keyed{
			key: Key(rec),
			proj: projection{
				Host:     nonEmpty(f.host),
				PluginID: nonEmpty(f.pluginID),
				Severity: nonEmpty(f.severity),
				USN:      nonEmpty(f.usn),
				Name:     nonEmpty(f.name),
			},
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	projected := make([]projection, len(rows))
	for i, r := range rows {
		projected[i] = r.proj
	}
	// marshalling plain strings and nil pointers cannot fail
	data, _ := json.Marshal(projected)
	return string(data)
}

// CountBySeverity counts records per severity, zero-filled for all five.
// Records with no or unknown severity are not counted.
func CountBySeverity(records []domain.VulnerabilityRecord) map[domain.Severity]int {
	counts := make(map[domain.Severity]int, len(domain.SeverityOrder))
	for _, sev := range domain.SeverityOrder {
		counts[sev] = 0
	}
	for _, rec := range records {
		sev := NormalizeSeverity(rec.Severity)
		if sev == nil {
			continue
		}
		if _, known := counts[*sev]; known {
			counts[*sev]++
		}
	}
	return counts
}

// HasPluginID reports whether the record carries a pluginId.
func HasPluginID(rec domain.VulnerabilityRecord) bool {
	return AsString(rec.PluginID) != nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
