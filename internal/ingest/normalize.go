package ingest

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/stellarlinkco/citypulse/internal/neighborhood"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

const maxActionLen = 180

// Normalize turns decoded items into relay drafts. origin is fixed to
// fixedOrigin when non-empty (per-neighborhood feeds). It returns the
// drafts and how many items were dropped by filters.
func Normalize(f *Feed, items []gjson.Result, fixedOrigin string, now time.Time, loc *time.Location) ([]relay.Draft, int) {
	if loc == nil {
		loc = time.Local
	}
	if f.MaxItems > 0 && !f.SortByImpact && len(items) > f.MaxItems {
		items = items[:f.MaxItems]
	}

	var (
		out     []relay.Draft
		keys    []float64
		skipped int
	)
	for _, item := range items {
		item = withDefaults(f.Defaults, item)
		drafts := normalizeItem(f, item, fixedOrigin, now, loc)
		if len(drafts) == 0 {
			skipped++
			continue
		}
		out = append(out, drafts...)
		if f.SortByImpact {
			k := tieBreak(f, item)
			for range drafts {
				keys = append(keys, k)
			}
		}
	}

	if f.SortByImpact {
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			i, j := idx[a], idx[b]
			if out[i].ImpactScore != out[j].ImpactScore {
				return out[i].ImpactScore > out[j].ImpactScore
			}
			return keys[i] > keys[j]
		})
		sorted := make([]relay.Draft, len(out))
		for n, i := range idx {
			sorted[n] = out[i]
		}
		out = sorted
		if f.MaxItems > 0 && len(out) > f.MaxItems {
			out = out[:f.MaxItems]
		}
	}
	return out, skipped
}

// tieBreak reads the feed's tie-break value from item; anything
// non-numeric counts as zero.
func tieBreak(f *Feed, item gjson.Result) float64 {
	if f.TieBreak == nil {
		return 0
	}
	n, ok, _ := f.TieBreak.value(item)
	if !ok {
		return 0
	}
	return n
}

// withDefaults fills the missing or blank fields of item listed in
// defaults.
func withDefaults(defaults map[string]string, item gjson.Result) gjson.Result {
	if len(defaults) == 0 || !item.IsObject() {
		return item
	}
	raw := item.Raw
	for path, val := range defaults {
		if text(item, path) != "" {
			continue
		}
		patched, err := sjson.Set(raw, path, val)
		if err != nil {
			continue
		}
		raw = patched
	}
	return gjson.Parse(raw)
}

func normalizeItem(f *Feed, item gjson.Result, fixedOrigin string, now time.Time, loc *time.Location) []relay.Draft {
	for i := range f.Filters {
		if !f.Filters[i].Match(item) {
			return nil
		}
	}

	at, hasTime := ParseTime(text(item, f.Fields.Time), loc)
	if f.RequireTime && !hasTime {
		return nil
	}
	if hasTime && f.MaxAge > 0 && now.Sub(at) > time.Duration(f.MaxAge) {
		return nil
	}

	origin, location, ok := resolveOrigin(f, item, fixedOrigin)
	if !ok {
		return nil
	}

	title := text(item, f.Fields.Title)
	kind := text(item, f.Fields.Kind)
	v := vars{item: item, values: map[string]string{
		"title":            title,
		"kind":             kind,
		"description":      text(item, f.Fields.Description),
		"location":         location,
		"link":             text(item, f.Fields.Link),
		"id":               text(item, f.Fields.ID),
		"neighborhood":     origin,
		"neighborhoodName": neighborhood.Name(origin),
	}}
	if hasTime {
		v.values["time"] = at.In(loc).Format("15:04")
		v.values["date"] = at.UTC().Format(time.RFC3339)
		v.values["when"] = at.In(loc).Format("Mon Jan 2 15:04")
	}
	if end, ok := ParseTime(text(item, f.Fields.End), loc); ok {
		v.values["end"] = end.In(loc).Format("15:04")
	}

	matched := matchRules(f, item)
	if len(matched) == 0 {
		if f.SkipUnmatched || f.MultiMatch {
			return nil
		}
		matched = []*Rule{nil}
	}

	drafts := make([]relay.Draft, 0, len(matched))
	for _, r := range matched {
		drafts = append(drafts, buildDraft(f, item, r, v, origin, fixedOrigin != "", title, kind))
	}
	return drafts
}

// matchRules returns the first matching rule, or with MultiMatch the first
// match per label.
func matchRules(f *Feed, item gjson.Result) []*Rule {
	var out []*Rule
	seen := map[string]bool{}
	for i := range f.Rules {
		r := &f.Rules[i]
		if !r.Match(item) {
			continue
		}
		if !f.MultiMatch {
			return []*Rule{r}
		}
		if seen[r.Label] {
			continue
		}
		seen[r.Label] = true
		out = append(out, r)
	}
	return out
}

func firstRule(rules []Rule, item gjson.Result) *Rule {
	for i := range rules {
		if rules[i].Match(item) {
			return &rules[i]
		}
	}
	return nil
}

func buildDraft(f *Feed, item gjson.Result, r *Rule, base vars, origin string, perHood bool, title, kind string) relay.Draft {
	v := vars{item: item, values: make(map[string]string, len(base.values)+2)}
	for k, val := range base.values {
		v.values[k] = val
	}

	impact := f.DefaultImpact
	var (
		label   string
		urgency relay.Urgency
	)
	if r != nil {
		if r.Impact != nil {
			impact = *r.Impact
		}
		label = r.Label
		urgency = r.Urgency
		v.values["value"] = r.subject(item)
		v.values["label"] = label
	}
	impact = math.Max(0, math.Min(1, impact))

	if urgency == "" {
		switch {
		case f.UrgentWhen != nil && f.UrgentWhen.Match(item):
			urgency = relay.UrgencyUrgent
		case f.UrgentWhen == nil && impact >= f.UrgentAt:
			urgency = relay.UrgencyUrgent
		default:
			urgency = relay.UrgencyNormal
		}
	}

	d := relay.Draft{
		ID:               draftID(f, item, origin, perHood, label, title, kind),
		Origin:           origin,
		Targets:          targetsFor(f, item, r, origin),
		Category:         category(f, label, kind, title),
		ImpactScore:      impact,
		Urgency:          urgency,
		Window:           v.first(f.Window),
		RequestedActions: actionsFor(f, item, r, v),
	}
	if d.Window == "" {
		d.Window = relay.DefaultWindow
	}
	if r != nil {
		d.Notes = v.first(r.Notes)
	}
	if d.Notes == "" {
		d.Notes = v.first(f.Notes)
	}
	return d
}

func draftID(f *Feed, item gjson.Result, origin string, perHood bool, label, title, kind string) string {
	if perHood {
		return f.IDPrefix + origin + "-" + firstNonEmpty(label, slug(kind), "signal")
	}
	raw := text(item, f.Fields.ID)
	if raw == "" {
		raw = slug(title)
	}
	if raw == "" {
		return ""
	}
	id := f.IDPrefix + raw
	if f.MultiMatch && label != "" {
		id += "-" + label
	}
	return id
}

func category(f *Feed, label, kind, title string) string {
	if strings.Contains(f.Category, ":") {
		return f.Category
	}
	suffix := firstNonEmpty(label, slug(kind), slug(title))
	switch {
	case f.Category == "" && suffix == "":
		return relay.DefaultCategory
	case f.Category == "":
		return suffix
	case suffix == "":
		return f.Category
	}
	return f.Category + ":" + suffix
}

func actionsFor(f *Feed, item gjson.Result, r *Rule, v vars) []string {
	if r != nil && len(r.Actions) > 0 {
		return expandAll(v, r.Actions)
	}
	if s := text(item, f.Fields.Actions); s != "" {
		return []string{truncate(s, maxActionLen)}
	}
	if ar := firstRule(f.ActionRules, item); ar != nil && len(ar.Actions) > 0 {
		return expandAll(v, ar.Actions)
	}
	return expandAll(v, f.DefaultActions)
}

func expandAll(v vars, templates []string) []string {
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		if s, _ := v.expand(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// targetsFor always puts origin first, then rule or target-rule targets,
// then the feed's extra targets for that origin.
func targetsFor(f *Feed, item gjson.Result, r *Rule, origin string) []string {
	var picked []string
	if r != nil && len(r.Targets) > 0 {
		picked = r.Targets
	} else if tr := firstRule(f.TargetRules, item); tr != nil {
		picked = tr.Targets
	}

	out := []string{origin}
	seen := map[string]bool{origin: true}
	for _, list := range [][]string{picked, f.ExtraTargets[origin]} {
		for _, t := range list {
			if t != "" && !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// resolveOrigin picks the item's neighborhood: fixed origin, coordinates,
// GeoJSON geometry, place keywords, neighborhood aliases, then fallback.
func resolveOrigin(f *Feed, item gjson.Result, fixed string) (string, string, bool) {
	location := locationText(f, item)
	if fixed != "" {
		return fixed, location, true
	}

	if lat, ok := number(item, f.Fields.Lat); ok {
		if lon, ok := number(item, f.Fields.Lon); ok {
			return neighborhood.Closest(lat, lon).ID, location, true
		}
	}
	if f.Fields.Geometry != "" {
		if lat, lon, ok := centroid(item.Get(f.Fields.Geometry)); ok {
			return neighborhood.Closest(lat, lon).ID, location, true
		}
	}
	if f.RequireCoordinates {
		return "", location, false
	}

	for _, p := range f.Places {
		if len(p.Keywords) == 0 && len(p.All) == 0 {
			continue
		}
		if len(p.All) > 0 && !containsAll(location, p.All) {
			continue
		}
		if len(p.Keywords) > 0 && !containsAny(location, p.Keywords) {
			continue
		}
		return p.Neighborhood, location, true
	}
	if h, ok := neighborhood.MatchText(location); ok {
		return h.ID, location, true
	}
	return f.Fallback, location, true
}

func locationText(f *Feed, item gjson.Result) string {
	raw := text(item, f.Fields.Location)
	if raw == "" {
		raw = text(item, f.Fields.Description)
	}
	if f.Fields.locationRe != nil {
		m := f.Fields.locationRe.FindStringSubmatch(raw)
		switch {
		case m == nil:
			return ""
		case len(m) > 1:
			return strings.TrimSpace(m[1])
		default:
			return strings.TrimSpace(m[0])
		}
	}
	if raw == "" {
		raw = text(item, f.Fields.Title)
	}
	return raw
}

// centroid averages the outer ring of a GeoJSON polygon, or returns a
// point's coordinates.
func centroid(g gjson.Result) (float64, float64, bool) {
	var ring []gjson.Result
	switch g.Get("type").String() {
	case "Point":
		c := g.Get("coordinates").Array()
		if len(c) < 2 {
			return 0, 0, false
		}
		return c[1].Float(), c[0].Float(), true
	case "Polygon":
		ring = g.Get("coordinates.0").Array()
	case "MultiPolygon":
		ring = g.Get("coordinates.0.0").Array()
	default:
		return 0, 0, false
	}
	if len(ring) == 0 {
		return 0, 0, false
	}
	var lat, lon float64
	for _, pt := range ring {
		c := pt.Array()
		if len(c) < 2 {
			return 0, 0, false
		}
		lon += c[0].Float()
		lat += c[1].Float()
	}
	n := float64(len(ring))
	return lat / n, lon / n, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
