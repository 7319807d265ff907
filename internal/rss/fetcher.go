// Package rss provides feed fetching, parsing and normalization.
package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/lipu/internal/model"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "lipu/0.1"

// validatorTTL bounds how long conditional-GET validators are trusted.
const validatorTTL = 24 * time.Hour

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds every HTTP round-trip. Zero means no timeout.
	Timeout time.Duration
	// UserAgent overrides DefaultUserAgent.
	UserAgent string
	// Concurrency is the number of feeds fetched in parallel. Values below 2 fetch
	// sequentially.
	Concurrency int
	// FailFast stops a sequential FetchAll at the first failing feed.
	FailFast bool
	// DomainDelay is the minimum delay between requests to the same host.
	DomainDelay time.Duration
}

// domainLimiter paces requests per host.
type domainLimiter struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func newDomainLimiter(every time.Duration) *domainLimiter {
	return &domainLimiter{
		every:    every,
		limiters: make(map[string]*rate.Limiter),
	}
}

// wait blocks until a request to domain is allowed.
func (dl *domainLimiter) wait(ctx context.Context, domain string) error {
	if dl.every <= 0 {
		return nil
	}
	dl.mu.Lock()
	lim, ok := dl.limiters[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Every(dl.every), 1)
		dl.limiters[domain] = lim
	}
	dl.mu.Unlock()
	return lim.Wait(ctx)
}

// extractDomain gets the host from a URL.
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL // fallback to full URL
	}
	return u.Host
}

// validators are the conditional-GET headers remembered for a feed.
type validators struct {
	ETag         string
	LastModified string
}

// Fetcher handles feed and media downloads over HTTP.
type Fetcher struct {
	client        *http.Client
	parser        *Parser
	opts          Options
	domainLimiter *domainLimiter
	validators    *cache.Cache
	log           logrus.FieldLogger
}

// NewFetcher creates a fetcher. A nil client uses a fresh http.Client with
// opts.Timeout.
func NewFetcher(client *http.Client, opts Options, log logrus.FieldLogger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Fetcher{
		client:        client,
		parser:        NewParser(),
		opts:          opts,
		domainLimiter: newDomainLimiter(opts.DomainDelay),
		validators:    cache.New(validatorTTL, time.Hour),
		log:           log,
	}
}

type response struct {
	status    int
	body      []byte
	header    http.Header
	validator validators
}

func (f *Fetcher) do(ctx context.Context, rawURL string, v *validators) (*response, error) {
	op := "fetch " + rawURL
	if err := f.domainLimiter.wait(ctx, extractDomain(rawURL)); err != nil {
		return nil, model.NewError(model.NoNetwork, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewError(model.NoNetwork, op, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if v != nil {
		if v.ETag != "" {
			req.Header.Set("If-None-Match", v.ETag)
		}
		if v.LastModified != "" {
			req.Header.Set("If-Modified-Since", v.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.NewError(model.NoNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && v != nil {
		return &response{status: resp.StatusCode, header: resp.Header}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewError(model.NoNetwork, op, fmt.Errorf("server returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewError(model.CorruptedData, op, fmt.Errorf("read body: %w", err))
	}
	return &response{
		status: resp.StatusCode,
		body:   body,
		header: resp.Header,
		validator: validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}, nil
}

// Get downloads the body at rawURL.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.do(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// FetchResult holds the result of fetching a single feed.
type FetchResult struct {
	URL   string
	Items []model.Item
	Error error

	validator validators
}

// FetchFeed fetches, parses and normalizes a single feed.
// A document that cannot be parsed yields no items rather than an error.
func (f *Fetcher) FetchFeed(ctx context.Context, feedURL string) FetchResult {
	res := FetchResult{URL: feedURL}

	var known *validators
	if v, ok := f.validators.Get(feedURL); ok {
		cached := v.(validators)
		known = &cached
	}

	resp, err := f.do(ctx, feedURL, known)
	if err != nil {
		res.Error = err
		return res
	}
	if resp.status == http.StatusNotModified {
		res.validator = *known
		f.log.WithField("feed", feedURL).Debug("feed not modified")
		return res
	}
	res.validator = resp.validator

	if !isText(resp.body, resp.header.Get("Content-Type")) {
		res.Error = model.NewError(model.CorruptedData, "decode "+feedURL, errors.New("body is not valid text"))
		return res
	}

	doc, err := f.parser.Parse(resp.body)
	if err != nil {
		f.log.WithField("feed", feedURL).WithError(err).Warn("unparseable feed, treating as empty")
		return res
	}
	res.Items = NormalizeAll(doc, feedURL, f.log)
	return res
}

// isText rejects bodies that claim (or default to) UTF-8 but are not.
// Other declared charsets are left to the XML decoder.
func isText(body []byte, contentType string) bool {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs := strings.ToLower(params["charset"]); cs != "" && cs != "utf-8" && cs != "utf8" {
				return true
			}
		}
	}
	prolog := strings.ToLower(string(body[:min(len(body), 128)]))
	if strings.Contains(prolog, "encoding=") && !strings.Contains(prolog, "utf-8") {
		return true
	}
	return utf8.Valid(body)
}

// Remember stores the conditional-GET validators of successfully merged results.
func (f *Fetcher) Remember(results []FetchResult) {
	for _, r := range results {
		if r.Error != nil {
			continue
		}
		if r.validator.ETag == "" && r.validator.LastModified == "" {
			f.validators.Delete(r.URL)
			continue
		}
		f.validators.SetDefault(r.URL, r.validator)
	}
}

// ForgetAll drops every remembered validator so the next fetch of each feed is
// unconditional. Removing items can make entries that other feeds already
// served (and that were dropped as duplicates) new again.
func (f *Fetcher) ForgetAll() {
	f.validators.Flush()
}

// FetchAll fetches all feeds with the configured concurrency.
// Results are returned in the order of urls.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []FetchResult {
	if len(urls) == 0 {
		return nil
	}

	f.log.WithFields(logrus.Fields{
		"feeds":       len(urls),
		"concurrency": f.opts.Concurrency,
	}).Info("fetching feeds")

	if f.opts.Concurrency <= 1 {
		return f.fetchSequential(ctx, urls)
	}
	return f.fetchParallel(ctx, urls)
}

// fetchSequential fetches feeds one at a time.
func (f *Fetcher) fetchSequential(ctx context.Context, urls []string) []FetchResult {
	results := make([]FetchResult, 0, len(urls))
	for _, u := range urls {
		res := f.FetchFeed(ctx, u)
		results = append(results, res)
		if res.Error != nil {
			f.log.WithField("feed", u).WithError(res.Error).Warn("failed to fetch feed")
			if f.opts.FailFast {
				break
			}
		}
	}
	return results
}

// fetchParallel fetches feeds using a worker pool.
func (f *Fetcher) fetchParallel(ctx context.Context, urls []string) []FetchResult {
	type job struct {
		index int
		url   string
	}

	var wg sync.WaitGroup
	results := make([]FetchResult, len(urls))
	jobs := make(chan job)

	workers := min(f.opts.Concurrency, len(urls))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res := f.FetchFeed(ctx, j.url)
				if res.Error != nil {
					f.log.WithField("feed", j.url).WithError(res.Error).Warn("failed to fetch feed")
				}
				results[j.index] = res
			}
		}()
	}

	for i, u := range urls {
		jobs <- job{index: i, url: u}
	}
	close(jobs)
	wg.Wait()

	return results
}
