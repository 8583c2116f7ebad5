package ingest

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// number reads a numeric field. Numeric strings count; missing, empty and
// non-finite values do not.
func number(item gjson.Result, path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	v := item.Get(path)
	switch v.Type {
	case gjson.Number:
		return v.Num, !math.IsNaN(v.Num) && !math.IsInf(v.Num, 0)
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func text(item gjson.Result, path string) string {
	if path == "" {
		return ""
	}
	v := item.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return strings.TrimSpace(v.String())
}

// value resolves the condition's subject: a number when the field (after
// Over/Minus) is numeric, and its text form either way.
func (c *Condition) value(item gjson.Result) (float64, bool, string) {
	n, ok := number(item, c.Field)
	if ok && c.Over != "" {
		d, dok := number(item, c.Over)
		if !dok {
			ok = false
		} else {
			n = n / math.Max(d, 1)
		}
	}
	if ok && c.Minus != "" {
		m, mok := number(item, c.Minus)
		if !mok {
			ok = false
		} else {
			n -= m
		}
	}
	return n, ok, text(item, c.Field)
}

func (c *Condition) empty() bool {
	return c.Field == "" && c.Equals == "" && c.NotEquals == "" && c.Pattern == "" && len(c.Keywords) == 0 &&
		c.GTE == nil && c.LTE == nil
}

// Match reports whether item satisfies every test on the condition.
func (c *Condition) Match(item gjson.Result) bool {
	if c.empty() {
		return true
	}
	n, numeric, s := c.value(item)

	if c.GTE != nil || c.LTE != nil {
		if !numeric {
			return false
		}
		if c.GTE != nil && n < *c.GTE {
			return false
		}
		if c.LTE != nil && n > *c.LTE {
			return false
		}
	}
	if c.Equals != "" && !strings.EqualFold(s, c.Equals) {
		return false
	}
	if c.NotEquals != "" && strings.EqualFold(s, c.NotEquals) {
		return false
	}
	if c.re != nil && !c.re.MatchString(s) {
		return false
	}
	if len(c.Keywords) > 0 && !containsAny(s, c.Keywords) {
		return false
	}
	if c.GTE == nil && c.LTE == nil && c.Equals == "" && c.NotEquals == "" && c.re == nil && len(c.Keywords) == 0 {
		return s != ""
	}
	return true
}

func containsAny(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func containsAll(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if !strings.Contains(lower, strings.ToLower(k)) {
			return false
		}
	}
	return true
}

// Match reports whether the rule's condition, every And condition and at
// least one Any condition hold.
func (r *Rule) Match(item gjson.Result) bool {
	if !r.When.Match(item) {
		return false
	}
	for i := range r.And {
		if !r.And[i].Match(item) {
			return false
		}
	}
	if len(r.Any) == 0 {
		return true
	}
	for i := range r.Any {
		if r.Any[i].Match(item) {
			return true
		}
	}
	return false
}

// subject is the value a matched rule exposes to templates as ${value}.
func (r *Rule) subject(item gjson.Result) string {
	n, ok, s := r.When.value(item)
	if ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return s
}
