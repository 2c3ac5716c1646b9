// Package version holds build information and release comparison
// utilities for the upgrade check.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// Build information, set via -ldflags at release time.
var (
	Version = "dev"
	Commit  = ""
)

const (
	// DefaultBaseURL is the GitHub API root used for release lookups.
	DefaultBaseURL = "https://api.github.com"
	// DefaultTimeout bounds a release lookup.
	DefaultTimeout = 30 * time.Second

	maxResponseBodySize = 64 * 1024
)

// ErrReleaseLookupFailed reports a non-OK GitHub API response.
var ErrReleaseLookupFailed = errors.New("release lookup failed")

// Release is the subset of a GitHub release the upgrade check needs.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
}

// Client fetches releases from the GitHub API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a release client. A nil httpClient gets a default
// with DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  fmt.Sprintf("keel/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH),
	}
}

// LatestRelease fetches the latest release of a repository.
func (c *Client) LatestRelease(ctx context.Context, owner, repo string) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, owner, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrReleaseLookupFailed, resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(&release); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &release, nil
}

// IsNewer reports whether latest is a newer release than current.
// Development builds ("dev", empty) are always older than a release.
func IsNewer(current, latest string) bool {
	return Compare(latest, current) > 0
}

// Compare compares two version strings, returning 1, 0, or -1 as v1 is
// newer than, equal to, or older than v2.
func Compare(v1, v2 string) int {
	v1 = Normalize(v1)
	v2 = Normalize(v2)

	dev1 := v1 == "" || v1 == "dev"
	dev2 := v2 == "" || v2 == "dev"
	switch {
	case dev1 && dev2:
		return 0
	case dev1:
		return -1
	case dev2:
		return 1
	}

	p1 := parseParts(v1)
	p2 := parseParts(v2)
	for i := 0; i < 3; i++ {
		var a, b int
		if i < len(p1) {
			a = p1[i]
		}
		if i < len(p2) {
			b = p2[i]
		}
		if a != b {
			if a > b {
				return 1
			}
			return -1
		}
	}
	return 0
}

// Normalize strips the v prefix, whitespace, and pre-release or build
// metadata suffixes.
func Normalize(version string) string {
	if idx := strings.IndexAny(version, "-+"); idx != -1 {
		version = version[:idx]
	}
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}

func parseParts(version string) []int {
	parts := strings.Split(version, ".")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		var n int
		if _, err := fmt.Sscanf(part, "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	return out
}
