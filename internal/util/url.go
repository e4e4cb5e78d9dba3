package util

import "strings"

// NormalizeURL trims whitespace and a trailing slash, and defaults the
// scheme to https:// when none is given.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimRight(raw, "/")
	if raw == "" {
		return raw
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return raw
}

// WebsocketURL converts an http(s) base URL into the matching ws(s) URL
// with the given path appended.
func WebsocketURL(base, path string) string {
	base = NormalizeURL(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
