// Package collyfetcher implements monitor.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

const (
	defaultTimeout = 30 * time.Second
	defaultCharset = "utf-8"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements monitor.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the body with its charset.
func (f *Fetcher) Fetch(ctx context.Context, url string) (monitor.Page, error) {
	var (
		result   monitor.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		var fe *monitor.FetchError
		if errors.As(err, &fe) {
			return monitor.Page{}, fe
		}
		return monitor.Page{}, &monitor.FetchError{URL: url, Err: err}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(start time.Time, result *monitor.Page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	// The same page is checked on every tick.
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *monitor.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = monitor.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Charset:    detectCharset(r.Body, contentType),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		fe := &monitor.FetchError{Err: err}
		if r != nil {
			fe.StatusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				fe.URL = r.Request.URL.String()
			}
		}
		*fetchErr = fe
	})
}

// runCollector binds the request to ctx so cancellation aborts the HTTP
// exchange, and waits for Visit to return before reporting.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	colly.StdlibContext(ctx)(collector)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		<-done
		return &monitor.FetchError{URL: url, Err: ctx.Err()}
	case err := <-done:
		if *fetchErr != nil {
			var fe *monitor.FetchError
			if errors.As(*fetchErr, &fe) && fe.URL == "" {
				fe.URL = url
			}
			return *fetchErr
		}
		if err != nil {
			return &monitor.FetchError{URL: url, Err: err}
		}
		return nil
	}
}

// detectCharset reports the encoding of a response body. Colly transcodes
// bodies to UTF-8 when the header declares a charset, so only undeclared
// bodies are sniffed.
func detectCharset(body []byte, contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.TrimSpace(params["charset"]); cs != "" {
			return defaultCharset
		}
	}
	if len(body) == 0 {
		return defaultCharset
	}
	_, name, _ := charset.DetermineEncoding(body, "")
	if name == "" {
		return defaultCharset
	}
	return name
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
