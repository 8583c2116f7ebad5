package ingest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/neighborhood"
)

// Result summarizes one feed run.
type Result struct {
	Feed     string        `json:"feed"`
	Fetched  int           `json:"fetched"`
	Posted   int           `json:"posted"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

func (r Result) String() string {
	return fmt.Sprintf("%s: fetched %d, posted %d, skipped %d, failed %d in %s",
		r.Feed, r.Fetched, r.Posted, r.Skipped, r.Failed, r.Duration.Round(time.Millisecond))
}

type Runner struct {
	fetcher Fetcher
	poster  Poster
	now     func() time.Time
	loc     *time.Location
	log     *logrus.Entry
}

func NewRunner(fetcher Fetcher, poster Poster) *Runner {
	return &Runner{
		fetcher: fetcher,
		poster:  poster,
		now:     time.Now,
		loc:     time.Local,
		log:     logging.For("ingest"),
	}
}

// WithLocation sets the zone used for zone-less timestamps and window text.
func (r *Runner) WithLocation(loc *time.Location) *Runner {
	if loc != nil {
		r.loc = loc
	}
	return r
}

// Run fetches f once, normalizes its items and posts each packet. Item
// failures are logged and counted, not retried. The error is non-nil only
// when nothing could be fetched.
func (r *Runner) Run(ctx context.Context, f Feed) (res Result, err error) {
	res = Result{Feed: f.Name, Started: r.now()}
	defer func() { res.Duration = r.now().Sub(res.Started) }()

	if missing := f.MissingEnv(); len(missing) > 0 {
		return res, fmt.Errorf("feed %s: missing env %s", f.Name, strings.Join(missing, ", "))
	}

	type batch struct {
		url    string
		origin string
	}
	var batches []batch
	if f.PerNeighborhood {
		for _, h := range neighborhood.All() {
			batches = append(batches, batch{url: expandURL(f.URL, res.Started, &h), origin: h.ID})
		}
	} else {
		batches = []batch{{url: expandURL(f.URL, res.Started, nil)}}
	}

	var lastErr error
	fetchedAny := false
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		data, err := r.fetcher.Fetch(ctx, b.url, f.Headers)
		if err != nil {
			lastErr = err
			r.log.WithError(err).WithFields(logging.Fields{"feed": f.Name, "origin": b.origin}).Warn("fetch failed")
			continue
		}
		items, err := Decode(&f, data)
		if err != nil {
			lastErr = err
			r.log.WithError(err).WithField("feed", f.Name).Warn("decode failed")
			continue
		}
		fetchedAny = true
		res.Fetched += len(items)

		drafts, skipped := Normalize(&f, items, b.origin, r.now(), r.loc)
		res.Skipped += skipped
		for _, d := range drafts {
			if err := r.poster.Post(ctx, d); err != nil {
				res.Failed++
				r.log.WithError(err).WithFields(logging.Fields{"feed": f.Name, "id": d.ID}).Error("post relay failed")
				continue
			}
			res.Posted++
			r.log.WithFields(logging.Fields{
				"feed":     f.Name,
				"id":       d.ID,
				"origin":   d.Origin,
				"category": d.Category,
				"impact":   d.ImpactScore,
			}).Debug("posted relay")
		}
	}

	if !fetchedAny && lastErr != nil {
		return res, lastErr
	}
	r.log.WithField("feed", f.Name).Info(res.String())
	return res, nil
}

// expandURL fills ${today} and ${today+Nd} with UTC dates, ${lat}, ${lon}
// and ${neighborhood} from h when set, and anything else from the
// environment.
func expandURL(tmpl string, now time.Time, h *neighborhood.Neighborhood) string {
	return os.Expand(tmpl, func(name string) string {
		if day, ok := dateVar(name, now); ok {
			return day
		}
		if h != nil {
			switch name {
			case "lat":
				return strconv.FormatFloat(h.Lat, 'f', -1, 64)
			case "lon":
				return strconv.FormatFloat(h.Lon, 'f', -1, 64)
			case "neighborhood":
				return h.ID
			}
		}
		return os.Getenv(name)
	})
}

func dateVar(name string, now time.Time) (string, bool) {
	rest, ok := strings.CutPrefix(name, "today")
	if !ok {
		return "", false
	}
	days := 0
	if rest != "" {
		n, err := strconv.Atoi(strings.TrimSuffix(rest, "d"))
		if err != nil || !strings.HasSuffix(rest, "d") {
			return "", false
		}
		days = n
	}
	return now.UTC().AddDate(0, 0, days).Format("2006-01-02"), true
}
