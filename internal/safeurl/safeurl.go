package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to decide whether a playlist source is fetched over the network or read from disk.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return s == "http" || s == "https"
}

// IsAbsolute reports whether s parses as a URI with a scheme (http://, https://, data:, ...).
// Bare file names and paths such as "seg0.ts" or "/keys/a.bin" are not absolute.
func IsAbsolute(s string) bool {
	if s == "" {
		return false
	}
	parsed, err := url.Parse(s)
	if err != nil {
		return false
	}
	return parsed.IsAbs()
}

// ReplaceLastSegment swaps the final "/"-separated element of base for ref.
// "https://host/path/stream.m3u8" + "seg0.ts" = "https://host/path/seg0.ts".
// Any query string on base belongs to its last element and is dropped with it.
func ReplaceLastSegment(base, ref string) string {
	i := strings.LastIndex(base, "/")
	if i < 0 {
		return ref
	}
	return base[:i+1] + ref
}

// HostRoot resolves a root-relative ref ("/keys/k.bin") against base's scheme and host.
// Returns "" if base has no scheme or host.
func HostRoot(base, ref string) string {
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host + ref
}
