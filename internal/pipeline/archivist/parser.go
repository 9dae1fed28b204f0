package archivist

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

const maxKeywords = 30

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ParseModelJSON recovers a JSON object from raw model output: enforce
// the byte cap, strip code fences and trailing commas, slice between the
// first '{' and last '}', then parse. Anything unrecoverable yields an
// empty object rather than an error; a mangled description should never
// fail the job.
func ParseModelJSON(content string, maxBytes int64) map[string]any {
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		slog.Warn("model output exceeds byte cap, discarding", slog.Int("bytes", len(content)))
		return map[string]any{}
	}
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return map[string]any{}
	}
	s = trailingComma.ReplaceAllString(s[start:end+1], "$1")
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		slog.Warn("model output not parseable as JSON", slog.Any("error", err))
		return map[string]any{}
	}
	return out
}

// Normalize applies the description contract to a parsed document: tags
// intersect the allow-list, keywords cap at 30, string arrays are
// deduplicated and trimmed, and spatial/temporal blocks coerce to string
// maps.
func Normalize(doc map[string]any) map[string]any {
	out := map[string]any{}
	if v, ok := doc["title"].(string); ok && v != "" {
		out["title"] = strings.TrimSpace(v)
	}
	if v, ok := doc["description"].(string); ok && v != "" {
		out["description"] = strings.TrimSpace(v)
	}

	allowed := map[string]bool{}
	for _, t := range AllowedTags {
		allowed[t] = true
	}
	tags := stringArray(doc["tags"])
	kept := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(t)
		if allowed[t] && !seen[t] {
			seen[t] = true
			kept = append(kept, t)
		}
	}
	out["tags"] = kept

	keywords := stringArray(doc["keywords"])
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	out["keywords"] = keywords

	if n, ok := doc["people_count"].(float64); ok && n >= 0 {
		out["people_count"] = int(n)
	}
	if m := stringMap(doc["spatial"]); len(m) > 0 {
		out["spatial"] = m
	}
	if m := stringMap(doc["temporal"]); len(m) > 0 {
		out["temporal"] = m
	}
	return out
}

// stringArray coerces a decoded JSON value into a deduplicated, trimmed
// string slice, dropping non-string members.
func stringArray(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{}
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := map[string]string{}
	for k, e := range m {
		if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
			out[k] = strings.TrimSpace(s)
		}
	}
	return out
}
