package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/quailyquaily/uniai"
)

var (
	ErrEmptyInput       = errors.New("empty json input")
	ErrNoJSONCandidates = errors.New("no json candidates")
	ErrNotObject        = errors.New("json payload is not an object")
)

// FindJSONPayload locates a valid JSON payload in text that may be wrapped in
// prose or code fences, as agent-produced invocation parameters often are.
// Candidates come from uniai's extractors; each is tried as-is, with non-JSON
// lines stripped, and after repair. The first that parses wins.
func FindJSONPayload(text string) ([]byte, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, ErrEmptyInput
	}

	var lastErr error
	for _, cand := range extractCandidates(raw) {
		for _, v := range variantsOf(cand) {
			if err := json.Unmarshal([]byte(v), new(any)); err != nil {
				lastErr = err
				continue
			}
			return []byte(v), nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoJSONCandidates
}

// DecodeObject decodes an invocation parameter object. Numbers are kept as
// json.Number so payload summaries do not lose precision.
func DecodeObject(text string) (map[string]any, error) {
	data, err := FindJSONPayload(text)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

func extractCandidates(raw string) []string {
	var set orderedSet
	set.add(raw)
	if cands, err := uniai.CollectJSONCandidates(raw); err == nil {
		set.add(cands...)
	}
	set.add(uniai.FindJSONSnippets(raw)...)
	return set.items
}

func variantsOf(candidate string) []string {
	var set orderedSet
	stripped := uniai.StripNonJSONLines(candidate)
	set.add(candidate, stripped, uniai.AttemptJSONRepair(candidate))
	if strings.TrimSpace(stripped) != strings.TrimSpace(candidate) {
		set.add(uniai.AttemptJSONRepair(stripped))
	}
	return set.items
}

// orderedSet keeps the first occurrence of each non-blank trimmed string.
type orderedSet struct {
	items []string
	seen  map[string]bool
}

func (s *orderedSet) add(vals ...string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" || s.seen[v] {
			continue
		}
		s.seen[v] = true
		s.items = append(s.items, v)
	}
}
