package asset

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Settings is a tree of plugin options keyed by plugin name at the top level.
// Values decoded from YAML are maps, slices and scalars.
type Settings map[string]any

// Merge returns a new Settings holding s overlaid with src. Nested maps are
// merged key by key; any other value in src replaces the value in s.
// Neither input is modified.
func (s Settings) Merge(src Settings) Settings {
	out := cloneMap(s)
	mergeInto(out, src)
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		vm, ok := asMap(v)
		if !ok {
			dst[k] = v
			continue
		}
		if dm, ok := asMap(dst[k]); ok {
			merged := cloneMap(dm)
			mergeInto(merged, vm)
			dst[k] = merged
			continue
		}
		dst[k] = cloneMap(vm)
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if vm, ok := asMap(v); ok {
			out[k] = cloneMap(vm)
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Settings:
		return m, true
	}
	return nil, false
}

// Sub returns the nested settings under key, or an empty Settings.
func (s Settings) Sub(key string) Settings {
	if m, ok := asMap(s[key]); ok {
		return Settings(m)
	}
	return Settings{}
}

// String returns the string under key or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the bool under key or def.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Float returns the number under key or def.
func (s Settings) Float(key string, def float64) float64 {
	if f, ok := toFloat(s[key]); ok {
		return f
	}
	return def
}

// Int returns the number under key truncated to an int, or def.
func (s Settings) Int(key string, def int) int {
	if f, ok := toFloat(s[key]); ok {
		return int(f)
	}
	return def
}

// Strings returns the string list under key or def. Non-string items are
// skipped.
func (s Settings) Strings(key string, def []string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// Rule applies settings and tag overrides to every path matching one of Files.
type Rule struct {
	Files    []string
	Settings Settings
	Tags     Tags
}

type ruleMatch struct {
	settings Settings
	tags     Tags
}

// Rules is the ordered per-path rule list of a build. Match results are
// memoized per relative path; the rule list itself never changes.
type Rules struct {
	rules []Rule
	memo  *lru.Cache[string, ruleMatch]
}

const rulesMemoSize = 4096

// NewRules validates the glob patterns and returns a Rules.
func NewRules(rules []Rule) (*Rules, error) {
	for i, r := range rules {
		for _, pattern := range r.Files {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("asset rule %d: invalid glob %q", i, pattern)
			}
		}
	}
	memo, err := lru.New[string, ruleMatch](rulesMemoSize)
	if err != nil {
		return nil, err
	}
	return &Rules{rules: rules, memo: memo}, nil
}

// Match merges, in rule order, the settings and tags of every rule matching
// rel. The returned maps are shared and must be treated as read-only.
func (r *Rules) Match(rel string) (Settings, Tags) {
	if r == nil || len(r.rules) == 0 {
		return Settings{}, nil
	}
	if m, ok := r.memo.Get(rel); ok {
		return m.settings, m.tags
	}

	settings := Settings{}
	var tags Tags
	for _, rule := range r.rules {
		if !matchAny(rule.Files, rel) {
			continue
		}
		settings = settings.Merge(rule.Settings)
		tags = tags.Merge(rule.Tags)
	}

	r.memo.Add(rel, ruleMatch{settings: settings, tags: tags})
	return settings, tags
}

func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
