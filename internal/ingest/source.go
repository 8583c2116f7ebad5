package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/tidwall/gjson"
)

const (
	userAgent    = "CityPulseIngester/1.0"
	maxFeedBytes = 16 << 20
)

// Fetcher downloads raw feed documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

// HTTPFetcher is the default Fetcher.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		v = os.ExpandEnv(v)
		if v == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redact(url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status %d %s", redact(url), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redact(url), err)
	}
	return data, nil
}

// redact drops the query string, which may carry access codes.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?…"
	}
	return url
}

// Decode splits a raw document into items. JSON items are read at the
// feed's items path (or the root array, or the root object as a single
// item). RSS items are flattened into JSON objects so the same field paths
// work for both formats.
func Decode(f *Feed, data []byte) ([]gjson.Result, error) {
	switch f.Format {
	case FormatRSS:
		return decodeRSS(data)
	default:
		return decodeJSON(f.Items, data)
	}
}

func decodeJSON(path string, data []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode json: invalid document")
	}
	root := gjson.ParseBytes(data)
	if path != "" {
		root = root.Get(path)
		if !root.Exists() {
			return nil, nil
		}
	}
	if root.IsArray() {
		return root.Array(), nil
	}
	if root.IsObject() {
		return []gjson.Result{root}, nil
	}
	return nil, fmt.Errorf("decode json: items at %q are neither array nor object", path)
}

func decodeRSS(data []byte) ([]gjson.Result, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode rss: %w", err)
	}

	nodes := xmlquery.Find(doc, "//item")
	items := make([]gjson.Result, 0, len(nodes))
	for _, n := range nodes {
		obj := map[string]string{}
		var atomHref string
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			name := c.Data
			if c.Prefix != "" {
				name = c.Prefix + ":" + c.Data
			}
			if _, seen := obj[name]; seen {
				continue
			}
			switch name {
			case "atom:link":
				if atomHref == "" {
					atomHref = c.SelectAttr("href")
				}
			case "description", "content:encoded":
				obj[name] = htmlText(c.InnerText())
			default:
				obj[name] = strings.TrimSpace(c.InnerText())
			}
		}
		if obj["link"] == "" && atomHref != "" {
			obj["link"] = atomHref
		}
		if obj["pubDate"] == "" && obj["dc:date"] != "" {
			obj["pubDate"] = obj["dc:date"]
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("encode rss item: %w", err)
		}
		items = append(items, gjson.ParseBytes(raw))
	}
	return items, nil
}

// htmlText flattens an HTML fragment to whitespace-normalized text.
func htmlText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
