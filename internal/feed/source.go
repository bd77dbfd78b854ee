package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/mmcdole/gofeed"

	logx "newsbot/pkg/logx"
)

const (
	DefaultRequestTimeout = 20 * time.Second
	maxFeedBytes          = 8 << 20
)

// Both upstream sites reject obvious bots, so requests look like a browser
// navigation.
var browserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.36",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.5",
	"Accept-Encoding":           "gzip, deflate, br",
	"Referer":                   "https://www.google.com",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
	"Cache-Control":             "no-cache",
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// HTTPSource fetches feeds over HTTP and parses them with gofeed.
type HTTPSource struct {
	client  *http.Client
	timeout time.Duration
	retries uint64
	backoff func() backoff.BackOff
	log     logx.Logger
}

type SourceOption func(*HTTPSource)

func WithHTTPClient(c *http.Client) SourceOption { return func(s *HTTPSource) { s.client = c } }

// WithRequestTimeout bounds each attempt; a timeout counts as a failure.
func WithRequestTimeout(d time.Duration) SourceOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetries sets how many extra attempts transient failures get.
func WithRetries(n int) SourceOption {
	return func(s *HTTPSource) {
		if n >= 0 {
			s.retries = uint64(n)
		}
	}
}

// WithBackOff replaces the retry policy (tests use a zero backoff).
func WithBackOff(fn func() backoff.BackOff) SourceOption {
	return func(s *HTTPSource) { s.backoff = fn }
}

func WithLogger(log logx.Logger) SourceOption { return func(s *HTTPSource) { s.log = log } }

func NewHTTPSource(opts ...SourceOption) *HTTPSource {
	s := &HTTPSource{
		client:  &http.Client{},
		timeout: DefaultRequestTimeout,
		retries: 2,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		log: logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fetch returns the feed's entries in feed order, retrying transient
// failures. 4xx responses and malformed documents fail immediately.
func (s *HTTPSource) Fetch(ctx context.Context, url string) ([]Entry, error) {
	var entries []Entry
	attempt := 0
	op := func() error {
		attempt++
		var err error
		entries, err = s.fetchOnce(ctx, url)
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), s.retries), ctx)
	notify := func(err error, wait time.Duration) {
		s.log.Debug("feed fetch failed; retrying",
			logx.String("url", url), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *HTTPSource) fetchOnce(ctx context.Context, url string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode %s body: %w", url, err))
	}
	defer body.Close()

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(body, maxFeedBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read %s: %w", url, ctx.Err())
		}
		return nil, backoff.Permanent(fmt.Errorf("parse feed %s: %w", url, err))
	}
	return toEntries(parsed, s.log), nil
}

// decodeBody undoes Content-Encoding. The transport leaves it alone
// because Accept-Encoding is set explicitly.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "deflate":
		// Servers disagree on zlib-wrapped vs raw deflate.
		br := bufio.NewReader(resp.Body)
		if hdr, err := br.Peek(2); err == nil && hdr[0]&0x0f == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

func toEntries(f *gofeed.Feed, log logx.Logger) []Entry {
	out := make([]Entry, 0, len(f.Items))
	for _, it := range f.Items {
		if it == nil {
			continue
		}
		link := strings.TrimSpace(it.Link)
		if link == "" && len(it.Links) > 0 {
			link = strings.TrimSpace(it.Links[0])
		}
		if link == "" {
			log.Debug("feed item without link skipped", logx.String("title", it.Title))
			continue
		}

		raw := strings.TrimSpace(it.Published)
		if raw == "" {
			raw = strings.TrimSpace(it.Updated)
		}
		e := Entry{Title: strings.TrimSpace(it.Title), Link: link, PublishedRaw: raw}
		if t, err := ParseTimestamp(raw); err == nil {
			e.PublishedAt = t
		} else if it.PublishedParsed != nil {
			e.PublishedAt = *it.PublishedParsed
		} else if it.UpdatedParsed != nil {
			e.PublishedAt = *it.UpdatedParsed
		}
		out = append(out, e)
	}
	return out
}
