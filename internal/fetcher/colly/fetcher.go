// Package collyfetcher is the HTTP transport shared by the source fetchers.
// It runs one request per call through a cloned gocolly collector.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Transport overrides the pooled default, mostly for tests.
	Transport http.RoundTripper
}

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Response is the captured result of a Request.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client issues requests through gocolly.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Transport == nil {
		cfg.Transport = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(cfg.Transport)
	return &Client{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Do executes req and returns the response whatever its status. Only
// transport failures are returned as errors.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector()
	c.configureCollectorHooks(collector, req, start, &result, &fetchErr)

	if err := c.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return Response{}, err
	}
	return result, nil
}

// Fetch executes req on behalf of source and classifies failures: transport
// errors, 429 and 5xx become TransientFetchError; 401, 403 and other 4xx
// become PermanentFetchError.
func (c *Client) Fetch(ctx context.Context, source string, req Request) (Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, err
		}
		return Response{}, catalog.ClassifyFetchError(source, 0, err)
	}
	if cerr := catalog.ClassifyFetchError(source, resp.StatusCode, nil); cerr != nil {
		return resp, cerr
	}
	return resp, nil
}

func (c *Client) buildCollector() *colly.Collector {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.cfg.Transport)
	return collector
}

func (c *Client) configureCollectorHooks(
	hooks collectorHooks,
	req Request,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		url := req.URL
		if r.Request != nil && r.Request.URL != nil {
			url = r.Request.URL.String()
		}
		*result = Response{
			URL:        url,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, req Request, fetchErr *error) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		if method == http.MethodGet && len(req.Body) == 0 {
			done <- collector.Visit(req.URL)
			return
		}
		done <- collector.Request(method, req.URL, bytes.NewReader(req.Body), nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil || r.Headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
