package identity

import (
	"bytes"
	"encoding/json"

	"github.com/spherical/vuln-extractor/internal/domain"
)

// DecodeRecords narrows an oracle payload into normalized records. It
// accepts {"vulnerabilities": [...]} or a bare array; anything else yields
// an empty list. Elements that are not objects are dropped.
func DecodeRecords(data json.RawMessage, reportID string) []domain.VulnerabilityRecord {
	records := []domain.VulnerabilityRecord{}
	if len(data) == 0 {
		return records
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return records
	}

	var items []any
	switch v := payload.(type) {
	case []any:
		items = v
	case map[string]any:
		list, ok := v["vulnerabilities"].([]any)
		if !ok {
			return records
		}
		items = list
	default:
		return records
	}

	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		records = append(records, NormalizeRecord(obj, reportID))
	}
	return records
}
