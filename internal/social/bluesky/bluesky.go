// Package bluesky fetches the newest post of a Bluesky account through the
// public AppView XRPC API.
package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postwatch/internal/social"
)

const (
	DefaultBaseURL    = "https://public.api.bsky.app/xrpc"
	DefaultRatePerSec = 5.0
	DefaultUserAgent  = "postwatch/1.0"
	requestTimeout    = 30 * time.Second
	authorFeedMethod  = "app.bsky.feed.getAuthorFeed"
	// Pinned and reposted items are skipped, so ask for a few.
	feedLimit = 5
	maxDIDLen = 2048
)

var (
	handleRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]([a-z0-9\-]{0,61}[a-z0-9])?$`)
	didRe    = regexp.MustCompile(`^did:(plc|web):[a-z0-9._:%\-]+$`)
)

// ErrInvalidHandle is returned for strings that are neither a handle nor a DID.
var ErrInvalidHandle = errors.New("bluesky: invalid handle")

type Config struct {
	BaseURL    string
	UserAgent  string
	RatePerSec float64
}

type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// Fetcher implements social.Fetcher for Bluesky. All requests go to one
// AppView, so a single limiter covers them.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

var _ social.Fetcher = (*Fetcher)(nil)

func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	f := &Fetcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1),
	}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: requestTimeout}
	}
	return f
}

func (f *Fetcher) Platform() social.Platform { return social.PlatformBluesky }

// IsValidAccount accepts domain handles (alice.bsky.social) and did:plc/did:web.
func (f *Fetcher) IsValidAccount(handle string) bool {
	h := social.NormalizeHandle(handle)
	if strings.HasPrefix(h, "did:") {
		return len(h) <= maxDIDLen && didRe.MatchString(h)
	}
	return len(h) <= 253 && handleRe.MatchString(h)
}

func (f *Fetcher) FetchLatestPost(ctx context.Context, handle string) (*social.Post, error) {
	actor := social.NormalizeHandle(handle)
	if !f.IsValidAccount(actor) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("actor", actor)
	q.Set("limit", fmt.Sprint(feedLimit))
	q.Set("filter", "posts_no_replies")
	u := f.cfg.BaseURL + "/" + authorFeedMethod + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", actor, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &social.StatusError{URL: u, StatusCode: resp.StatusCode}
	}

	var out authorFeed
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode feed of %s: %w", actor, err)
	}
	return latestPost(out), nil
}

func latestPost(feed authorFeed) *social.Post {
	for _, item := range feed.Feed {
		if item.skipped() {
			continue
		}
		p := item.Post
		created := p.Record.CreatedAt
		if created.IsZero() {
			created = p.IndexedAt
		}
		author := p.Author.DisplayName
		if author == "" {
			author = p.Author.Handle
		}
		return &social.Post{
			URI:       p.URI,
			Author:    author,
			Text:      p.Record.Text,
			URL:       webURL(p.Author.Handle, p.Author.DID, p.URI),
			CreatedAt: created,
			Platform:  social.PlatformBluesky,
		}
	}
	return nil
}

// webURL maps at://<did>/app.bsky.feed.post/<rkey> to the bsky.app permalink.
func webURL(handle, did, uri string) string {
	i := strings.LastIndex(uri, "/")
	if i < 0 || i == len(uri)-1 {
		return ""
	}
	who := handle
	if who == "" || who == "handle.invalid" {
		who = did
	}
	return "https://bsky.app/profile/" + who + "/post/" + uri[i+1:]
}

type authorFeed struct {
	Feed   []feedItem `json:"feed"`
	Cursor string     `json:"cursor,omitempty"`
}

type feedItem struct {
	Post   postView        `json:"post"`
	Reason json.RawMessage `json:"reason,omitempty"`
}

// skipped reports reposts, pins and empty entries.
func (it feedItem) skipped() bool {
	if it.Post.URI == "" {
		return true
	}
	r := strings.TrimSpace(string(it.Reason))
	return r != "" && r != "null"
}

type postView struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID         string `json:"did"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Record struct {
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"record"`
	IndexedAt time.Time `json:"indexedAt"`
}
