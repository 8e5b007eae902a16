package asset

import (
	"regexp"
	"strings"
)

// Tags maps tag names to values. A bare path tag such as {tps} has value true.
type Tags map[string]any

// Common tags understood by the pipeline itself.
const (
	TagIgnore = "ignore"
)

var tagPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// Merge returns a new Tags with src laid over t (shallow).
func (t Tags) Merge(src Tags) Tags {
	if len(t) == 0 && len(src) == 0 {
		return nil
	}
	out := make(Tags, len(t)+len(src))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Has reports whether the tag is present and not explicitly false.
func (t Tags) Has(name string) bool {
	v, ok := t[name]
	if !ok {
		return false
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return true
}

// ParsePathTags extracts {tag} and {tag=value} segments from a file or folder name.
func ParsePathTags(name string) Tags {
	matches := tagPattern.FindAllStringSubmatch(name, -1)
	if len(matches) == 0 {
		return nil
	}
	tags := make(Tags, len(matches))
	for _, m := range matches {
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		key, value, hasValue := strings.Cut(body, "=")
		key = strings.TrimSpace(key)
		if !hasValue {
			tags[key] = true
			continue
		}
		tags[key] = strings.TrimSpace(value)
	}
	return tags
}

// StripTags removes every {tag} segment from a path.
func StripTags(path string) string {
	return tagPattern.ReplaceAllString(path, "")
}
