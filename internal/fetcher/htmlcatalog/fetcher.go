// Package htmlcatalog fetches instrument rows from HTML result pages. Rows and
// fields are located with CSS selectors; each row becomes a JSON object keyed
// by field name so the mapping parser can treat HTML and JSON sources alike.
package htmlcatalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	collyfetcher "github.com/JakeFAU/instrument-catalog/internal/fetcher/colly"
	"github.com/JakeFAU/instrument-catalog/internal/fetcher/headless"
)

// Renderer produces the DOM of browser-only pages. *headless.Renderer
// satisfies it.
type Renderer interface {
	Render(ctx context.Context, req headless.Request) (headless.Page, error)
}

// Config describes one HTML catalog source.
//
// URLTemplate may reference {prefix} and any base filter as {name}; values
// are query-escaped. Field selectors take the form "css", "css@attr", or
// "@attr" for an attribute of the row itself.
type Config struct {
	Source        string
	URLTemplate   string
	RowSelector   string
	KeyField      string
	Fields        map[string]string
	CountSelector string
	Render        bool
	Headers       map[string]string
}

// Fetcher implements catalog.SourceFetcher for HTML listings.
type Fetcher struct {
	cfg      Config
	names    []string
	client   *collyfetcher.Client
	renderer Renderer
	clock    catalog.Clock
	logger   *zap.Logger
}

// New validates cfg and builds a Fetcher. renderer is required when
// cfg.Render is set; client otherwise.
func New(cfg Config, client *collyfetcher.Client, renderer Renderer, clock catalog.Clock, logger *zap.Logger) (*Fetcher, error) {
	if cfg.Source == "" {
		return nil, errors.New("htmlcatalog: source is required")
	}
	if cfg.URLTemplate == "" || cfg.RowSelector == "" {
		return nil, fmt.Errorf("htmlcatalog %s: url template and row selector are required", cfg.Source)
	}
	if cfg.Render && renderer == nil {
		return nil, fmt.Errorf("htmlcatalog %s: rendering requires a headless renderer", cfg.Source)
	}
	if !cfg.Render && client == nil {
		return nil, fmt.Errorf("htmlcatalog %s: http client is required", cfg.Source)
	}
	if cfg.KeyField != "" {
		if _, ok := cfg.Fields[cfg.KeyField]; !ok {
			return nil, fmt.Errorf("htmlcatalog %s: key field %q has no selector", cfg.Source, cfg.KeyField)
		}
	}
	names := make([]string, 0, len(cfg.Fields))
	for name := range cfg.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:      cfg,
		names:    names,
		client:   client,
		renderer: renderer,
		clock:    clock,
		logger:   logger.Named("htmlcatalog").With(zap.String("source", cfg.Source)),
	}, nil
}

// Kind returns the configured source name.
func (f *Fetcher) Kind() string {
	return f.cfg.Source
}

// Estimate reads the result count from CountSelector, or counts rows when no
// count element is configured.
func (f *Fetcher) Estimate(ctx context.Context, seg catalog.Segment) (int, error) {
	doc, err := f.load(ctx, seg)
	if err != nil {
		return 0, err
	}
	if f.cfg.CountSelector == "" {
		return doc.Find(f.cfg.RowSelector).Length(), nil
	}
	sel := doc.Find(f.cfg.CountSelector).First()
	if sel.Length() == 0 {
		return 0, nil
	}
	n, ok := leadingCount(sel.Text())
	if !ok {
		return 0, fmt.Errorf("estimate %s: no count in %q", seg.Key(), strings.TrimSpace(sel.Text()))
	}
	return n, nil
}

// Fetch returns one RawRecord per row matched by RowSelector.
func (f *Fetcher) Fetch(ctx context.Context, seg catalog.Segment) ([]catalog.RawRecord, error) {
	doc, err := f.load(ctx, seg)
	if err != nil {
		return nil, err
	}
	fetchedAt := f.now()
	var (
		out    []catalog.RawRecord
		rowErr error
	)
	doc.Find(f.cfg.RowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		values := make(map[string]string, len(f.names))
		for _, name := range f.names {
			if v := extract(row, f.cfg.Fields[name]); v != "" {
				values[name] = v
			}
		}
		payload, err := json.Marshal(values)
		if err != nil {
			rowErr = fmt.Errorf("encode row: %w", err)
			return false
		}
		out = append(out, catalog.RawRecord{
			SourceKind:  f.cfg.Source,
			NaturalKey:  values[f.cfg.KeyField],
			Payload:     payload,
			ContentType: "application/json",
			FetchedAt:   fetchedAt,
		})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	f.logger.Debug("segment fetched", zap.String("segment", seg.Key()), zap.Int("records", len(out)))
	return out, nil
}

func (f *Fetcher) load(ctx context.Context, seg catalog.Segment) (*goquery.Document, error) {
	target := f.url(seg)
	headers := http.Header{}
	for k, v := range f.cfg.Headers {
		headers.Set(k, v)
	}

	var body []byte
	if f.cfg.Render {
		page, err := f.renderer.Render(ctx, headless.Request{
			Source:       f.cfg.Source,
			URL:          target,
			Headers:      headers,
			WaitSelector: f.cfg.RowSelector,
		})
		if err != nil {
			return nil, err
		}
		body = page.HTML
	} else {
		resp, err := f.client.Fetch(ctx, f.cfg.Source, collyfetcher.Request{URL: target, Headers: headers})
		if err != nil {
			return nil, err
		}
		body = resp.Body
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func (f *Fetcher) url(seg catalog.Segment) string {
	pairs := []string{"{prefix}", url.QueryEscape(seg.Filter.Prefix)}
	for k, v := range seg.Filter.Base {
		pairs = append(pairs, "{"+k+"}", url.QueryEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(f.cfg.URLTemplate)
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock.Now()
	}
	return time.Now().UTC()
}

func extract(row *goquery.Selection, selector string) string {
	css, attr, hasAttr := strings.Cut(selector, "@")
	target := row
	if strings.TrimSpace(css) != "" {
		target = row.Find(strings.TrimSpace(css)).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := target.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(target.Text()), " ")
}

// leadingCount parses the first run of digits in s, ignoring thousands
// separators such as "1'234" or "1,234".
func leadingCount(s string) (int, bool) {
	var b strings.Builder
	started := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			started = true
		case started && (r == '\'' || r == ',' || r == '.' || r == '\u2019' || r == ' ' || r == '\u00a0'):
		case started:
			n, err := strconv.Atoi(b.String())
			return n, err == nil
		}
	}
	if !started {
		return 0, false
	}
	n, err := strconv.Atoi(b.String())
	return n, err == nil
}
