package fediverse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"postwatch/internal/social"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Alice</title>
    <link>https://example.social/@alice</link>
    <item>
      <guid isPermaLink="true">https://example.social/@alice/111</guid>
      <link>https://example.social/@alice/111</link>
      <pubDate>Sun, 01 Mar 2026 10:00:00 +0000</pubDate>
      <description>&lt;p&gt;older post&lt;/p&gt;</description>
    </item>
    <item>
      <guid isPermaLink="true">https://example.social/@alice/222</guid>
      <link>https://example.social/@alice/222</link>
      <pubDate>Sun, 01 Mar 2026 12:00:00 +0000</pubDate>
      <description>&lt;p&gt;Hello &amp;amp; &lt;a href="https://x.y"&gt;world&lt;/a&gt;&lt;/p&gt;&lt;p&gt;second&lt;/p&gt;</description>
    </item>
  </channel>
</rss>`

const emptyFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Quiet</title></channel></rss>`

func feedServer(t *testing.T, status int, body string, ua *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua != nil {
			ua.Store(r.Header.Get("User-Agent"))
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher(srv *httptest.Server, cfg Config) *Fetcher {
	return New(cfg,
		WithHTTPClient(srv.Client()),
		WithFeedURL(func(user, host string) string { return srv.URL + "/@" + user + ".rss" }),
	)
}

func TestIsValidAccount(t *testing.T) {
	t.Parallel()
	f := New(Config{})
	tests := []struct {
		handle string
		want   bool
	}{
		{"alice@example.social", true},
		{"@Alice@Mastodon.Social", true},
		{"bob_99@sub.instance.org", true},
		{"alice", false},
		{"alice@", false},
		{"@example.social", false},
		{"alice@localhost", false},
		{"al ice@example.social", false},
		{"alice@exa_mple.social", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := f.IsValidAccount(tt.handle); got != tt.want {
			t.Errorf("IsValidAccount(%q) = %v, want %v", tt.handle, got, tt.want)
		}
	}
}

func TestFetchLatestPost(t *testing.T) {
	t.Parallel()
	var ua atomic.Value
	srv := feedServer(t, http.StatusOK, sampleFeed, &ua)
	f := testFetcher(srv, Config{UserAgent: "postwatch-test", RatePerSec: 100})

	post, err := f.FetchLatestPost(context.Background(), "alice@example.social")
	if err != nil {
		t.Fatalf("FetchLatestPost: %v", err)
	}
	if post == nil {
		t.Fatal("expected a post")
	}
	if post.URI != "https://example.social/@alice/222" {
		t.Fatalf("URI = %q", post.URI)
	}
	if post.Platform != social.PlatformFediverse || post.Author != "Alice" {
		t.Fatalf("unexpected post: %+v", post)
	}
	if post.Text != "Hello & world\n\nsecond" {
		t.Fatalf("Text = %q", post.Text)
	}
	if post.CreatedAt.IsZero() || post.CreatedAt.Hour() != 12 {
		t.Fatalf("CreatedAt = %v", post.CreatedAt)
	}
	if got, _ := ua.Load().(string); got != "postwatch-test" {
		t.Fatalf("User-Agent = %q", got)
	}
}

func TestFetchLatestPostEmptyFeed(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusOK, emptyFeed, nil)
	f := testFetcher(srv, Config{RatePerSec: 100})

	post, err := f.FetchLatestPost(context.Background(), "quiet@example.social")
	if err != nil || post != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", post, err)
	}
}

func TestFetchLatestPostHTTPError(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusNotFound, "", nil)
	f := testFetcher(srv, Config{RatePerSec: 100})

	_, err := f.FetchLatestPost(context.Background(), "gone@example.social")
	var se *social.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want StatusError 404", err)
	}
}

func TestFetchLatestPostInvalidHandle(t *testing.T) {
	t.Parallel()
	f := New(Config{})
	_, err := f.FetchLatestPost(context.Background(), "nohost")
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("err = %v, want ErrInvalidHandle", err)
	}
}

func TestFetchLatestPostHonoursContext(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusOK, sampleFeed, nil)
	f := testFetcher(srv, Config{RatePerSec: 0.001})

	// First request consumes the only token.
	if _, err := f.FetchLatestPost(context.Background(), "alice@example.social"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.FetchLatestPost(ctx, "alice@example.social"); err == nil {
		t.Fatal("expected rate limiter wait to fail on cancelled context")
	}
}

func TestStripHTML(t *testing.T) {
	t.Parallel()
	f := New(Config{})
	tests := []struct {
		in, want string
	}{
		{"<p>hi</p>", "hi"},
		{"a<br>b", "a\nb"},
		{"<p>one</p><p>two</p>", "one\n\ntwo"},
		{"<b>x</b> &amp; y", "x & y"},
		{"it&#39;s", "it's"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := f.stripHTML(tt.in); got != tt.want {
			t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if strings.Contains(f.stripHTML(`<script>alert(1)</script>ok`), "script") {
		t.Error("script tag survived")
	}
}
