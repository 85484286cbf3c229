// Package fediverse fetches the newest public post of a Mastodon-compatible
// account from its RSS feed.
package fediverse

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"postwatch/internal/social"
)

const (
	DefaultUserAgent  = "postwatch/1.0 (+https://github.com/postwatch/postwatch)"
	DefaultRatePerSec = 1.0
	requestTimeout    = 30 * time.Second
)

var (
	userRe = regexp.MustCompile(`^[a-z0-9_][a-z0-9_.\-]{0,63}$`)
	hostRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

	blankRe = regexp.MustCompile(`\n{3,}`)
)

// ErrInvalidHandle is returned for handles that are not user@instance.
var ErrInvalidHandle = errors.New("fediverse: invalid handle")

type Config struct {
	UserAgent string
	// RatePerSec bounds requests per instance host.
	RatePerSec float64
}

type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client used for feed requests.
func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithFeedURL overrides how a feed URL is built from user and host.
func WithFeedURL(fn func(user, host string) string) Option {
	return func(f *Fetcher) { f.feedURL = fn }
}

// Fetcher implements social.Fetcher for Fediverse accounts.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	feedURL func(user, host string) string
	policy  *bluemonday.Policy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ social.Fetcher = (*Fetcher)(nil)

func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	f := &Fetcher{
		cfg:      cfg,
		feedURL:  defaultFeedURL,
		policy:   bluemonday.StrictPolicy(),
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: requestTimeout}
	}
	base := f.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c := *f.client
	c.Transport = &uaTransport{base: base, ua: cfg.UserAgent}
	f.client = &c
	return f
}

func defaultFeedURL(user, host string) string {
	return "https://" + host + "/@" + user + ".rss"
}

func (f *Fetcher) Platform() social.Platform { return social.PlatformFediverse }

// IsValidAccount accepts user@instance.tld (a leading '@' is tolerated).
func (f *Fetcher) IsValidAccount(handle string) bool {
	_, _, err := SplitHandle(handle)
	return err == nil
}

// SplitHandle splits a normalized Fediverse handle into user and host.
func SplitHandle(handle string) (user, host string, err error) {
	h := social.NormalizeHandle(handle)
	user, host, found := strings.Cut(h, "@")
	if !found || !userRe.MatchString(user) || !hostRe.MatchString(host) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return user, host, nil
}

func (f *Fetcher) FetchLatestPost(ctx context.Context, handle string) (*social.Post, error) {
	user, host, err := SplitHandle(handle)
	if err != nil {
		return nil, err
	}
	if err := f.limiter(host).Wait(ctx); err != nil {
		return nil, err
	}

	url := f.feedURL(user, host)
	fp := gofeed.NewParser()
	fp.Client = f.client
	feed, err := fp.ParseURLWithContext(url, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, &social.StatusError{URL: url, StatusCode: httpErr.StatusCode}
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	item := newestItem(feed.Items)
	if item == nil {
		return nil, nil
	}
	author := user + "@" + host
	if feed.Title != "" {
		author = feed.Title
	}
	return &social.Post{
		URI:       itemID(item),
		Author:    author,
		Text:      f.itemText(item),
		URL:       item.Link,
		CreatedAt: itemPublishedTime(item),
		Platform:  social.PlatformFediverse,
	}, nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.RatePerSec), 1)
		f.limiters[host] = l
	}
	return l
}

// newestItem picks the most recently published item. Feeds are normally
// newest-first, so ties keep the earlier item.
func newestItem(items []*gofeed.Item) *gofeed.Item {
	var best *gofeed.Item
	var bestAt time.Time
	for _, it := range items {
		if it == nil || itemID(it) == "" {
			continue
		}
		at := itemPublishedTime(it)
		if best == nil || at.After(bestAt) {
			best, bestAt = it, at
		}
	}
	return best
}

func itemPublishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func (f *Fetcher) itemText(item *gofeed.Item) string {
	raw := item.Content
	if raw == "" {
		raw = item.Description
	}
	text := f.stripHTML(raw)
	if text == "" {
		text = f.stripHTML(item.Title)
	}
	return text
}

// stripHTML keeps paragraph breaks and drops all markup.
func (f *Fetcher) stripHTML(s string) string {
	s = strings.NewReplacer("</p>", "\n\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n").Replace(s)
	s = f.policy.Sanitize(s)
	s = html.UnescapeString(s)
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// uaTransport injects a User-Agent header into every request.
type uaTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}
