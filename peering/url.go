package peering

import "strings"

// TrimURL normalizes a peer URL for use as a registry identity: surrounding
// whitespace and leading/trailing slashes go, the scheme (when present) stays
// part of the stored value.
func TrimURL(value string) string {
	url := strings.TrimSpace(value)
	url = strings.TrimLeft(url, "/")
	url = strings.TrimRight(url, "/")
	return url
}

// EnsureScheme prefixes https:// when the value carries no scheme, for use
// when a stored identity gets dialed.
func EnsureScheme(value string) string {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	return "https://" + value
}

// BaseURL produces a dialable base URL (scheme ensured, no trailing slash)
// from a stored connect identity.
func BaseURL(value string) string {
	return strings.TrimRight(EnsureScheme(TrimURL(value)), "/")
}
