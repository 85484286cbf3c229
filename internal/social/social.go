// Package social defines the platform-neutral post model and the fetcher
// contract implemented per platform (Fediverse, Bluesky).
package social

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform tags where a post or account lives.
type Platform string

const (
	PlatformFediverse Platform = "fediverse"
	PlatformBluesky   Platform = "bluesky"
)

// ParsePlatform accepts the platform name and a few common aliases.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fediverse", "mastodon", "fedi":
		return PlatformFediverse, true
	case "bluesky", "bsky":
		return PlatformBluesky, true
	default:
		return "", false
	}
}

// Post is the newest post of an account, normalized across platforms.
type Post struct {
	// URI is stable and unique per post; it drives de-duplication.
	URI       string
	Author    string
	Text      string
	URL       string
	CreatedAt time.Time
	Platform  Platform
}

// Fetcher turns an account handle into its most recent post.
//
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Platform() Platform
	// FetchLatestPost returns (nil, nil) when the account has no posts.
	FetchLatestPost(ctx context.Context, handle string) (*Post, error)
	// IsValidAccount is a syntactic check only; it must not do network I/O.
	IsValidAccount(handle string) bool
}

// NormalizeHandle trims whitespace and a leading '@' and lower-cases the handle.
func NormalizeHandle(handle string) string {
	h := strings.TrimSpace(handle)
	h = strings.TrimPrefix(h, "@")
	return strings.ToLower(h)
}

// StatusError is returned when a remote answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Truncate shortens s to at most n bytes on a rune boundary, appending "...".
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	cut := n - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
