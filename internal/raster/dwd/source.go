// Package dwd reads annual climate grids from the DWD open data archive.
package dwd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
)

// DefaultBaseURL is the root of the annual grid products.
const DefaultBaseURL = "https://opendata.dwd.de/climate_environment/CDC/grids_germany/annual/"

// DefaultUserAgent identifies the analyzer to the archive operators.
const DefaultUserAgent = "zonal-climate-analyzer/1.0 (+https://github.com/JakeFAU/zonal-climate-analyzer)"

// referenceFolder is listed to discover the latest published year.
const referenceFolder = "air_temperature_mean"

var yearRe = regexp.MustCompile(`_(\d{4})(?:17)?\.(?:asc\.gz|zip)$`)

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the archive client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Limiter   Limiter
	Logger    *zap.Logger
	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

// Source implements climate.RasterSource. Folder listings are crawled with
// colly; grid files are streamed with net/http so they never sit in memory.
type Source struct {
	base      *url.URL
	userAgent string
	timeout   time.Duration
	limiter   Limiter
	logger    *zap.Logger
	transport http.RoundTripper
	client    *http.Client
}

// New builds a Source.
func New(cfg Config) (*Source, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	return &Source{
		base:      base,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		limiter:   cfg.Limiter,
		logger:    logging.OrNop(cfg.Logger).Named("dwd"),
		transport: transport,
		client:    &http.Client{Transport: transport},
	}, nil
}

// FolderURL returns the listing URL of a product folder.
func (s *Source) FolderURL(folder string) string {
	return s.base.ResolveReference(&url.URL{Path: folder + "/"}).String()
}

// FileName is the archive's name for a parameter's grid of year.
func FileName(p climate.Parameter, year int) string {
	return fmt.Sprintf("grids_germany_annual_%s_%d17.asc.gz", p.Key, year)
}

// LatestYear lists the reference folder and returns the newest year found.
func (s *Source) LatestYear(ctx context.Context) (int, error) {
	years, err := s.ListYears(ctx, referenceFolder)
	if err != nil {
		return 0, err
	}
	latest := 0
	for y := range years {
		if y > latest {
			latest = y
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("no grids listed in %s", referenceFolder)
	}
	return latest, nil
}

// ListYears crawls one folder listing and maps each year to its file URL.
func (s *Source) ListYears(ctx context.Context, folder string) (map[int]string, error) {
	target := s.FolderURL(folder)
	if err := s.wait(ctx, target); err != nil {
		return nil, err
	}

	var (
		years  = make(map[int]string)
		status int
	)
	c := s.newCollector()
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		m := yearRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		year, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}
		years[year] = e.Request.AbsoluteURL(href)
	})
	c.OnResponse(func(r *colly.Response) { status = r.StatusCode })
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := runCollector(ctx, c, target); err != nil {
		if status != 0 && status != http.StatusOK {
			return nil, &climate.StatusError{Code: status, URL: target}
		}
		return nil, err
	}
	s.logger.Debug("listed folder", zap.String("url", target), zap.Int("years", len(years)))
	return years, nil
}

// Fetch streams the grid file for p and year. A 404 yields
// climate.ErrNotPublished; other failures carry a climate.StatusError.
func (s *Source) Fetch(ctx context.Context, p climate.Parameter, year int) (io.ReadCloser, error) {
	target := s.FolderURL(p.Folder) + FileName(p, year)
	if err := s.wait(ctx, target); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
	case http.StatusNotFound:
		drain(resp.Body)
		cancel()
		return nil, fmt.Errorf("%s: %w", target, climate.ErrNotPublished)
	default:
		drain(resp.Body)
		cancel()
		return nil, &climate.StatusError{Code: resp.StatusCode, URL: target}
	}
}

func (s *Source) wait(ctx context.Context, target string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx, target); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (s *Source) newCollector() *colly.Collector {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(s.userAgent),
	)
	c.WithTransport(s.transport)
	c.SetRequestTimeout(s.timeout)
	return c
}

func runCollector(ctx context.Context, c *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("listing canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	if err := c.ReadCloser.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
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
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ climate.RasterSource = (*Source)(nil)
