package ingest

import (
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// vars holds the values a window or notes template can reference. Names
// prefixed with "f." read the raw item field at that path. A "|N" suffix
// truncates to N runes.
type vars struct {
	item   gjson.Result
	values map[string]string
}

func (v vars) lookup(name string) string {
	limit := 0
	if i := strings.LastIndexByte(name, '|'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			limit = n
			name = name[:i]
		}
	}
	var out string
	if strings.HasPrefix(name, "f.") {
		out = text(v.item, strings.TrimPrefix(name, "f."))
	} else {
		out = v.values[name]
	}
	if limit > 0 {
		out = truncate(out, limit)
	}
	return out
}

// expand fills a template. ok is false when any referenced variable is
// empty, so callers can fall through to the next template.
func (v vars) expand(tmpl string) (string, bool) {
	ok := true
	out := os.Expand(tmpl, func(name string) string {
		val := v.lookup(name)
		if val == "" {
			ok = false
		}
		return val
	})
	return strings.TrimSpace(out), ok
}

// first returns the first template that fully resolves.
func (v vars) first(templates []string) string {
	for _, t := range templates {
		if out, ok := v.expand(t); ok && out != "" {
			return out
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// slug lowercases s and collapses every run of non-alphanumerics into a
// single dash.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
