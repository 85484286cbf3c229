package bluesky

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postwatch/internal/social"
)

const feedJSON = `{
  "feed": [
    {
      "post": {
        "uri": "at://did:plc:abc/app.bsky.feed.post/pinned1",
        "author": {"did": "did:plc:abc", "handle": "alice.bsky.social"},
        "record": {"text": "pinned", "createdAt": "2025-01-01T00:00:00Z"}
      },
      "reason": {"$type": "app.bsky.feed.defs#reasonPin"}
    },
    {
      "post": {
        "uri": "at://did:plc:other/app.bsky.feed.post/repost1",
        "author": {"did": "did:plc:other", "handle": "bob.bsky.social"},
        "record": {"text": "reposted", "createdAt": "2026-03-01T11:00:00Z"}
      },
      "reason": {"$type": "app.bsky.feed.defs#reasonRepost"}
    },
    {
      "post": {
        "uri": "at://did:plc:abc/app.bsky.feed.post/3kxyz",
        "author": {"did": "did:plc:abc", "handle": "alice.bsky.social", "displayName": "Alice"},
        "record": {"text": "hello sky", "createdAt": "2026-03-01T10:00:00.000Z"},
        "indexedAt": "2026-03-01T10:00:01.000Z"
      },
      "reason": null
    }
  ],
  "cursor": "abc"
}`

func newServer(t *testing.T, status int, body string, seen chan<- *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen <- r
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIsValidAccount(t *testing.T) {
	t.Parallel()
	f := New(Config{})
	tests := []struct {
		handle string
		want   bool
	}{
		{"alice.bsky.social", true},
		{"@Alice.Bsky.Social", true},
		{"example.com", true},
		{"did:plc:z72i7hdynmk6r22z27h6tvur", true},
		{"did:web:example.com", true},
		{"did:key:abc", false},
		{"did:plc:", false},
		{"did:web:" + strings.Repeat("a", maxDIDLen-len("did:web:")), true},
		{"did:web:" + strings.Repeat("a", maxDIDLen), false},
		{"alice", false},
		{"alice@bsky.social", false},
		{"-bad.bsky.social", false},
		{"alice.123", false},
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
	seen := make(chan *http.Request, 1)
	srv := newServer(t, http.StatusOK, feedJSON, seen)
	f := New(Config{BaseURL: srv.URL + "/xrpc/", RatePerSec: 100}, WithHTTPClient(srv.Client()))

	post, err := f.FetchLatestPost(context.Background(), "@Alice.bsky.social")
	if err != nil {
		t.Fatalf("FetchLatestPost: %v", err)
	}
	r := <-seen
	if r.URL.Path != "/xrpc/app.bsky.feed.getAuthorFeed" {
		t.Fatalf("path = %q", r.URL.Path)
	}
	if got := r.URL.Query().Get("actor"); got != "alice.bsky.social" {
		t.Fatalf("actor = %q", got)
	}
	if got := r.URL.Query().Get("filter"); got != "posts_no_replies" {
		t.Fatalf("filter = %q", got)
	}

	if post == nil {
		t.Fatal("expected a post")
	}
	if post.URI != "at://did:plc:abc/app.bsky.feed.post/3kxyz" {
		t.Fatalf("URI = %q", post.URI)
	}
	if post.Author != "Alice" || post.Text != "hello sky" || post.Platform != social.PlatformBluesky {
		t.Fatalf("unexpected post: %+v", post)
	}
	if post.URL != "https://bsky.app/profile/alice.bsky.social/post/3kxyz" {
		t.Fatalf("URL = %q", post.URL)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !post.CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", post.CreatedAt, want)
	}
}

func TestFetchLatestPostEmpty(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, `{"feed":[]}`, nil)
	f := New(Config{BaseURL: srv.URL, RatePerSec: 100}, WithHTTPClient(srv.Client()))

	post, err := f.FetchLatestPost(context.Background(), "quiet.bsky.social")
	if err != nil || post != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", post, err)
	}
}

func TestFetchLatestPostErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":"InvalidRequest","message":"Profile not found"}`,
			check: func(err error) bool {
				var se *social.StatusError
				return errors.As(err, &se) && se.StatusCode == http.StatusBadRequest
			},
		},
		{
			name:   "bad json",
			status: http.StatusOK,
			body:   `{"feed":`,
			check:  func(err error) bool { return err != nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tt.status, tt.body, nil)
			f := New(Config{BaseURL: srv.URL, RatePerSec: 100}, WithHTTPClient(srv.Client()))
			_, err := f.FetchLatestPost(context.Background(), "alice.bsky.social")
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestFetchLatestPostInvalidHandle(t *testing.T) {
	t.Parallel()
	f := New(Config{})
	if _, err := f.FetchLatestPost(context.Background(), "not a handle"); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("err = %v, want ErrInvalidHandle", err)
	}
}

func TestWebURL(t *testing.T) {
	t.Parallel()
	if got := webURL("handle.invalid", "did:plc:x", "at://did:plc:x/app.bsky.feed.post/r1"); got != "https://bsky.app/profile/did:plc:x/post/r1" {
		t.Fatalf("webURL fallback = %q", got)
	}
	if got := webURL("a.b", "", "at://x/"); got != "" {
		t.Fatalf("webURL empty rkey = %q", got)
	}
}
