package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL standardizes an absolute URL so one item maps to one identity.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, and drops the fragment.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}

func canonicalOrRaw(raw string) string {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return raw
	}
	return canonical
}
