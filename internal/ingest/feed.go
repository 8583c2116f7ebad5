// Package ingest polls public feeds and turns their items into relay
// packets. Feeds are declared in YAML: where to fetch, how to read fields
// out of each item and which rules decide impact, urgency, targets and
// requested actions.
package ingest

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/citypulse/internal/neighborhood"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

const (
	FormatJSON = "json"
	FormatRSS  = "rss"

	DefaultUrgentAt = 0.8
	DefaultSchedule = "0 */10 * * * *"
)

//go:embed feeds.yaml
var defaultFeeds []byte

// Duration reads Go duration strings ("30m", "168h") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Fields maps normalized item attributes to gjson paths inside an item.
type Fields struct {
	ID              string `yaml:"id,omitempty"`
	Time            string `yaml:"time,omitempty"`
	End             string `yaml:"end,omitempty"`
	Lat             string `yaml:"lat,omitempty"`
	Lon             string `yaml:"lon,omitempty"`
	Geometry        string `yaml:"geometry,omitempty"`
	Title           string `yaml:"title,omitempty"`
	Kind            string `yaml:"kind,omitempty"`
	Location        string `yaml:"location,omitempty"`
	LocationPattern string `yaml:"locationPattern,omitempty"`
	Description     string `yaml:"description,omitempty"`
	Link            string `yaml:"link,omitempty"`
	Actions         string `yaml:"actions,omitempty"`

	locationRe *regexp.Regexp
}

// Condition tests one item field. An empty condition always matches; a
// condition with only a field matches when the field is present. NotEquals
// also matches a missing field.
type Condition struct {
	Field     string   `yaml:"field,omitempty"`
	Equals    string   `yaml:"equals,omitempty"`
	NotEquals string   `yaml:"notEquals,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty"`
	Keywords  []string `yaml:"keywords,omitempty"`
	GTE       *float64 `yaml:"gte,omitempty"`
	LTE       *float64 `yaml:"lte,omitempty"`
	// Over divides the field by another numeric field (floored at 1);
	// Minus subtracts one.
	Over  string `yaml:"over,omitempty"`
	Minus string `yaml:"minus,omitempty"`

	re *regexp.Regexp
}

// Rule is a condition plus what it decides when it matches.
type Rule struct {
	When Condition   `yaml:",inline"`
	And  []Condition `yaml:"and,omitempty"`
	Any  []Condition `yaml:"any,omitempty"`

	Label   string        `yaml:"label,omitempty"`
	Impact  *float64      `yaml:"impact,omitempty"`
	Urgency relay.Urgency `yaml:"urgency,omitempty"`
	Actions []string      `yaml:"actions,omitempty"`
	Targets []string      `yaml:"targets,omitempty"`
	Notes   []string      `yaml:"notes,omitempty"`
}

// Place routes items whose location text mentions keywords to a
// neighborhood. Every entry of All must appear; any one of Keywords is
// enough.
type Place struct {
	Neighborhood string   `yaml:"neighborhood"`
	Keywords     []string `yaml:"keywords,omitempty"`
	All          []string `yaml:"all,omitempty"`
}

type Feed struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Schedule    string            `yaml:"schedule,omitempty"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	RequireEnv  []string          `yaml:"requireEnv,omitempty"`
	Format      string            `yaml:"format,omitempty"`
	Items       string            `yaml:"items,omitempty"`
	// PerNeighborhood fetches URL once per neighborhood with ${lat},
	// ${lon} and ${neighborhood} filled in; origin is that neighborhood.
	// Any URL may also use ${today} and ${today+Nd} (UTC dates).
	PerNeighborhood bool `yaml:"perNeighborhood,omitempty"`

	Fields Fields `yaml:"fields"`
	// Defaults fills item fields (by path) that are missing or blank
	// before filters and rules look at the item.
	Defaults           map[string]string `yaml:"defaults,omitempty"`
	Filters            []Condition       `yaml:"filters,omitempty"`
	MaxAge             Duration          `yaml:"maxAge,omitempty"`
	RequireTime        bool              `yaml:"requireTime,omitempty"`
	RequireCoordinates bool              `yaml:"requireCoordinates,omitempty"`
	MaxItems           int               `yaml:"maxItems,omitempty"`
	SortByImpact       bool              `yaml:"sortByImpact,omitempty"`
	// TieBreak orders packets of equal impact by a numeric item value,
	// highest first. Only its field, over and minus are used.
	TieBreak *Condition `yaml:"tieBreak,omitempty"`

	IDPrefix string   `yaml:"idPrefix,omitempty"`
	Category string   `yaml:"category,omitempty"`
	Window   []string `yaml:"window,omitempty"`
	Notes    []string `yaml:"notes,omitempty"`

	Rules          []Rule     `yaml:"rules,omitempty"`
	MultiMatch     bool       `yaml:"multiMatch,omitempty"`
	SkipUnmatched  bool       `yaml:"skipUnmatched,omitempty"`
	DefaultImpact  float64    `yaml:"defaultImpact,omitempty"`
	DefaultActions []string   `yaml:"defaultActions,omitempty"`
	ActionRules    []Rule     `yaml:"actionRules,omitempty"`
	TargetRules    []Rule     `yaml:"targetRules,omitempty"`
	UrgentAt       float64    `yaml:"urgentAt,omitempty"`
	UrgentWhen     *Condition `yaml:"urgentWhen,omitempty"`

	Places       []Place             `yaml:"places,omitempty"`
	ExtraTargets map[string][]string `yaml:"extraTargets,omitempty"`
	Fallback     string              `yaml:"fallback,omitempty"`
}

func (f *Feed) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// MissingEnv lists required environment variables that are unset.
func (f *Feed) MissingEnv() []string {
	var missing []string
	for _, k := range f.RequireEnv {
		if strings.TrimSpace(os.Getenv(k)) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// prepare fills defaults and compiles patterns.
func (f *Feed) prepare() error {
	if f.Name == "" {
		return fmt.Errorf("feed without name")
	}
	if f.URL == "" {
		return fmt.Errorf("feed %s: url is required", f.Name)
	}
	if f.Format == "" {
		f.Format = FormatJSON
	}
	if f.Format != FormatJSON && f.Format != FormatRSS {
		return fmt.Errorf("feed %s: unknown format %q", f.Name, f.Format)
	}
	if f.Schedule == "" {
		f.Schedule = DefaultSchedule
	}
	if f.UrgentAt <= 0 {
		f.UrgentAt = DefaultUrgentAt
	}
	if f.Fallback == "" {
		f.Fallback = neighborhood.DefaultID
	}
	if _, ok := neighborhood.ByID(f.Fallback); !ok {
		return fmt.Errorf("feed %s: unknown fallback neighborhood %q", f.Name, f.Fallback)
	}
	if f.Format == FormatRSS {
		if f.Fields.Title == "" {
			f.Fields.Title = "title"
		}
		if f.Fields.Time == "" {
			f.Fields.Time = "pubDate"
		}
		if f.Fields.Link == "" {
			f.Fields.Link = "link"
		}
		if f.Fields.Description == "" {
			f.Fields.Description = "description"
		}
	}
	if f.Fields.LocationPattern != "" {
		re, err := regexp.Compile(f.Fields.LocationPattern)
		if err != nil {
			return fmt.Errorf("feed %s: location pattern: %w", f.Name, err)
		}
		f.Fields.locationRe = re
	}
	for _, p := range f.Places {
		if _, ok := neighborhood.ByID(p.Neighborhood); !ok {
			return fmt.Errorf("feed %s: unknown place neighborhood %q", f.Name, p.Neighborhood)
		}
	}

	subject := f.Fields.Kind
	if subject == "" {
		subject = f.Fields.Title
	}
	for i := range f.Filters {
		f.Filters[i].defaultField(subject)
		if err := f.Filters[i].compile(); err != nil {
			return fmt.Errorf("feed %s: filter %d: %w", f.Name, i, err)
		}
	}
	if f.TieBreak != nil && f.TieBreak.Field == "" {
		return fmt.Errorf("feed %s: tieBreak needs a field", f.Name)
	}
	if f.UrgentWhen != nil {
		f.UrgentWhen.defaultField(subject)
		if err := f.UrgentWhen.compile(); err != nil {
			return fmt.Errorf("feed %s: urgentWhen: %w", f.Name, err)
		}
	}
	for name, rules := range map[string][]Rule{"rules": f.Rules, "actionRules": f.ActionRules, "targetRules": f.TargetRules} {
		for i := range rules {
			rules[i].defaultField(subject)
			if err := rules[i].compile(); err != nil {
				return fmt.Errorf("feed %s: %s[%d]: %w", f.Name, name, i, err)
			}
			if rules[i].Urgency != "" && rules[i].Urgency != relay.UrgencyNormal && rules[i].Urgency != relay.UrgencyUrgent {
				return fmt.Errorf("feed %s: %s[%d]: unknown urgency %q", f.Name, name, i, rules[i].Urgency)
			}
		}
	}
	return nil
}

func (c *Condition) compile() error {
	if c.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", c.Pattern, err)
	}
	c.re = re
	return nil
}

// defaultField points a condition without a field at path, the feed's
// kind or title.
func (c *Condition) defaultField(path string) {
	if c.Field == "" && !c.empty() {
		c.Field = path
	}
}

func (r *Rule) defaultField(path string) {
	r.When.defaultField(path)
	for i := range r.And {
		r.And[i].defaultField(path)
	}
	for i := range r.Any {
		r.Any[i].defaultField(path)
	}
}

func (r *Rule) compile() error {
	if err := r.When.compile(); err != nil {
		return err
	}
	for i := range r.And {
		if err := r.And[i].compile(); err != nil {
			return err
		}
	}
	for i := range r.Any {
		if err := r.Any[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

type feedsFile struct {
	Feeds []Feed `yaml:"feeds"`
}

// ParseFeeds decodes and validates a feeds document.
func ParseFeeds(data []byte) ([]Feed, error) {
	var doc feedsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse feeds: %w", err)
	}
	seen := make(map[string]bool, len(doc.Feeds))
	for i := range doc.Feeds {
		if err := doc.Feeds[i].prepare(); err != nil {
			return nil, err
		}
		if seen[doc.Feeds[i].Name] {
			return nil, fmt.Errorf("duplicate feed %q", doc.Feeds[i].Name)
		}
		seen[doc.Feeds[i].Name] = true
	}
	return doc.Feeds, nil
}

// LoadFeeds reads path, or the built-in feed set when path is empty or
// does not exist.
func LoadFeeds(path string) ([]Feed, error) {
	if path == "" {
		return ParseFeeds(defaultFeeds)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ParseFeeds(defaultFeeds)
		}
		return nil, fmt.Errorf("read feeds: %w", err)
	}
	return ParseFeeds(data)
}

// DefaultFeedsYAML returns the built-in feed definitions.
func DefaultFeedsYAML() []byte {
	return append([]byte(nil), defaultFeeds...)
}

// Find returns the feed named name.
func Find(feeds []Feed, name string) (Feed, bool) {
	for _, f := range feeds {
		if f.Name == name {
			return f, true
		}
	}
	return Feed{}, false
}
