package harvest

import (
	"fmt"
	"net/url"
	"strings"
)

var trendingSegments = map[string]bool{
	"pop":      true,
	"popular":  true,
	"trending": true,
}

var collectionSegments = map[string]bool{
	"c":           true,
	"boards":      true,
	"collection":  true,
	"collections": true,
}

// ClassifySource derives a source type from its URL. URL shape wins for
// the site root and trending feeds; otherwise a declared home or trending
// type is kept, and remaining listings split into user and collection by
// path depth.
func ClassifySource(rawURL string, declared SourceType) (SourceType, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("source url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported source url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("source url %q has no host", rawURL)
	}

	segments := pathSegments(u.Path)
	if len(segments) == 0 {
		return SourceTypeHome, nil
	}
	if trendingSegments[segments[0]] {
		return SourceTypeTrending, nil
	}
	if declared == SourceTypeHome || declared == SourceTypeTrending {
		return declared, nil
	}
	for _, seg := range segments {
		if collectionSegments[seg] {
			return SourceTypeCollection, nil
		}
	}
	if len(segments) >= 2 {
		return SourceTypeCollection, nil
	}
	return SourceTypeUser, nil
}

func pathSegments(p string) []string {
	parts := strings.Split(strings.ToLower(p), "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
