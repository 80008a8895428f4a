// Package jsonapi fetches records from paginated JSON search endpoints. The
// request body (or query string) is built from a template; segment filters,
// the key prefix, and paging are written at configured paths.
package jsonapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	collyfetcher "github.com/JakeFAU/instrument-catalog/internal/fetcher/colly"
)

const (
	defaultPageSize = 100
	maxPages        = 1000
)

// Config describes one JSON search source.
type Config struct {
	Source       string
	Endpoint     string
	Method       string
	BearerToken  string
	Headers      map[string]string
	BodyTemplate string
	PageSize     int
	PrefixPath   string
	OffsetPath   string
	PageSizePath string
	ItemsPath    string
	TotalPath    string
	KeyPath      string
}

// Fetcher implements catalog.SourceFetcher for a JSON search API.
type Fetcher struct {
	cfg     Config
	client  *collyfetcher.Client
	limiter catalog.Limiter
	clock   catalog.Clock
	logger  *zap.Logger
}

// New validates cfg and builds a Fetcher. limiter, when set, spaces the page
// requests issued within one Fetch.
func New(cfg Config, client *collyfetcher.Client, limiter catalog.Limiter, clock catalog.Clock, logger *zap.Logger) (*Fetcher, error) {
	if cfg.Source == "" {
		return nil, errors.New("jsonapi: source is required")
	}
	if cfg.Endpoint == "" || cfg.ItemsPath == "" || cfg.TotalPath == "" {
		return nil, fmt.Errorf("jsonapi %s: endpoint, items path and total path are required", cfg.Source)
	}
	if client == nil {
		return nil, fmt.Errorf("jsonapi %s: http client is required", cfg.Source)
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Method != http.MethodPost && cfg.Method != http.MethodGet {
		return nil, fmt.Errorf("jsonapi %s: unsupported method %q", cfg.Source, cfg.Method)
	}
	if cfg.BodyTemplate == "" {
		cfg.BodyTemplate = "{}"
	}
	if cfg.Method == http.MethodPost && !gjson.Valid(cfg.BodyTemplate) {
		return nil, fmt.Errorf("jsonapi %s: body template is not valid JSON", cfg.Source)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		clock:   clock,
		logger:  logger.Named("jsonapi").With(zap.String("source", cfg.Source)),
	}, nil
}

// Kind returns the configured source name.
func (f *Fetcher) Kind() string {
	return f.cfg.Source
}

// Estimate asks for a single item and reads the reported total.
func (f *Fetcher) Estimate(ctx context.Context, seg catalog.Segment) (int, error) {
	body, err := f.page(ctx, seg, 0, 1)
	if err != nil {
		return 0, err
	}
	total := gjson.GetBytes(body, f.cfg.TotalPath)
	if !total.Exists() {
		return 0, fmt.Errorf("estimate %s: total missing at %q", seg.Key(), f.cfg.TotalPath)
	}
	return int(total.Int()), nil
}

// Fetch pages through the segment and returns one RawRecord per item.
// Without an offset path only the first page is read.
func (f *Fetcher) Fetch(ctx context.Context, seg catalog.Segment) ([]catalog.RawRecord, error) {
	var (
		out    []catalog.RawRecord
		offset int
	)
	for page := 0; page < maxPages; page++ {
		if page > 0 && f.limiter != nil {
			if err := f.limiter.Wait(ctx, f.cfg.Source); err != nil {
				return nil, fmt.Errorf("wait for limiter: %w", err)
			}
		}
		body, err := f.page(ctx, seg, offset, f.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		items := gjson.GetBytes(body, f.cfg.ItemsPath)
		if items.Exists() && !items.IsArray() {
			return nil, fmt.Errorf("fetch %s: items at %q is not an array", seg.Key(), f.cfg.ItemsPath)
		}
		list := items.Array()
		fetchedAt := f.now()
		for _, item := range list {
			out = append(out, catalog.RawRecord{
				SourceKind:  f.cfg.Source,
				NaturalKey:  f.naturalKey(item),
				Payload:     []byte(item.Raw),
				ContentType: "application/json",
				FetchedAt:   fetchedAt,
			})
		}
		offset += len(list)
		total := gjson.GetBytes(body, f.cfg.TotalPath)
		last := f.cfg.OffsetPath == "" || len(list) < f.cfg.PageSize ||
			(total.Exists() && offset >= int(total.Int()))
		if last {
			f.logger.Debug("segment fetched",
				zap.String("segment", seg.Key()),
				zap.Int("records", len(out)),
				zap.Int("pages", page+1),
			)
			return out, nil
		}
	}
	return out, fmt.Errorf("fetch %s: stopped after %d pages", seg.Key(), maxPages)
}

func (f *Fetcher) naturalKey(item gjson.Result) string {
	if f.cfg.KeyPath == "" {
		return ""
	}
	return strings.TrimSpace(item.Get(f.cfg.KeyPath).String())
}

func (f *Fetcher) page(ctx context.Context, seg catalog.Segment, offset, size int) ([]byte, error) {
	req, err := f.buildRequest(seg, offset, size)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Fetch(ctx, f.cfg.Source, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, &catalog.TransientFetchError{
			Source:     f.cfg.Source,
			StatusCode: resp.StatusCode,
			Err:        errors.New("response is not valid JSON"),
		}
	}
	return resp.Body, nil
}

func (f *Fetcher) buildRequest(seg catalog.Segment, offset, size int) (collyfetcher.Request, error) {
	headers := http.Header{}
	for k, v := range f.cfg.Headers {
		headers.Set(k, v)
	}
	if f.cfg.BearerToken != "" {
		headers.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	}
	params := f.params(seg, offset, size)

	if f.cfg.Method == http.MethodGet {
		u, err := url.Parse(f.cfg.Endpoint)
		if err != nil {
			return collyfetcher.Request{}, fmt.Errorf("parse endpoint: %w", err)
		}
		q := u.Query()
		for _, p := range params {
			q.Set(p.path, fmt.Sprint(p.value))
		}
		u.RawQuery = q.Encode()
		return collyfetcher.Request{Method: http.MethodGet, URL: u.String(), Headers: headers}, nil
	}

	body := []byte(f.cfg.BodyTemplate)
	for _, p := range params {
		var err error
		if body, err = sjson.SetBytes(body, p.path, p.value); err != nil {
			return collyfetcher.Request{}, fmt.Errorf("set %s: %w", p.path, err)
		}
	}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	return collyfetcher.Request{Method: http.MethodPost, URL: f.cfg.Endpoint, Headers: headers, Body: body}, nil
}

type param struct {
	path  string
	value any
}

func (f *Fetcher) params(seg catalog.Segment, offset, size int) []param {
	keys := make([]string, 0, len(seg.Filter.Base))
	for k := range seg.Filter.Base {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]param, 0, len(keys)+3)
	for _, k := range keys {
		out = append(out, param{path: k, value: seg.Filter.Base[k]})
	}
	if f.cfg.PrefixPath != "" {
		out = append(out, param{path: f.cfg.PrefixPath, value: seg.Filter.Prefix})
	}
	if f.cfg.OffsetPath != "" {
		out = append(out, param{path: f.cfg.OffsetPath, value: offset})
	}
	if f.cfg.PageSizePath != "" {
		out = append(out, param{path: f.cfg.PageSizePath, value: size})
	}
	return out
}

func (f *Fetcher) now() time.Time {
	if f.clock != nil {
		return f.clock.Now()
	}
	return time.Now().UTC()
}
