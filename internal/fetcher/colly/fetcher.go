// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Fetcher implements scrape.Fetcher using the Colly collector. Errors are
// tagged so the engine can decide whether to retry.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState is written by collector callbacks during a single Visit.
type fetchState struct {
	result scrape.FetchResponse
	status int
	err    error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	if err := checkURL(request.URL); err != nil {
		return scrape.FetchResponse{}, err
	}
	state := &fetchState{}
	collector := f.buildCollector(time.Now(), state)

	if err := f.runCollector(ctx, collector, request.URL, state); err != nil {
		return scrape.FetchResponse{}, err
	}
	return state.result, nil
}

func (f *Fetcher) buildCollector(start time.Time, state *fetchState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	f.configureCollectorHooks(collector, start, state)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.status = r.StatusCode
		state.result = scrape.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return resilience.Navigation(fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if err == nil {
			err = state.err
		}
		if err != nil {
			return classify(state.status, fmt.Errorf("colly visit %s: %w", target, err))
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// classify tags a fetch failure by HTTP status, falling back to the
// transport error's shape.
func classify(status int, err error) error {
	if status > 0 {
		if tagged := scrape.ClassifyStatus(status, err); tagged != nil {
			return tagged
		}
	}
	switch {
	case errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrRobotsTxtBlocked):
		return resilience.Tag(resilience.KindRejected, err)
	default:
		return resilience.Navigation(err)
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return resilience.Validation(fmt.Errorf("parse url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return resilience.Validation(fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return resilience.Validation(errors.New("url has no host"))
	}
	return nil
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
