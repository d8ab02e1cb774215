package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/spherical/vuln-extractor/internal/domain"
)

var fencedBlock = regexp.MustCompile("(?is)^```(?:json)?\\s*(.*?)\\s*```$")

// ExtractJSON recovers a JSON document from free-form model output. It
// strips a surrounding markdown fence, then tries the text as-is, then the
// span from the first '{' to the last '}'. Anything else is malformed.
func ExtractJSON(text string) (json.RawMessage, error) {
	candidate := strings.TrimSpace(text)
	if candidate == "" {
		return nil, domain.MalformedError("empty oracle response", nil)
	}

	if m := fencedBlock.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start >= 0 && end > start {
		inner := candidate[start : end+1]
		if json.Valid([]byte(inner)) {
			return json.RawMessage(inner), nil
		}
	}

	return nil, domain.MalformedError("oracle response is not recoverable as JSON", nil)
}
