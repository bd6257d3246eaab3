package crawler

import (
	"errors"
	"net/url"
	"slices"
	"strings"
)

// ErrBlockedHost is wrapped in a FatalError when a request targets a blocked host.
var ErrBlockedHost = errors.New("host is blocked")

// HostBlocklist matches exact hosts and suffix wildcards ("*.example.com" or
// ".example.com"). A nil blocklist blocks nothing.
type HostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostBlocklist returns nil when patterns contain no usable entry.
func NewHostBlocklist(patterns []string) *HostBlocklist {
	b := &HostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."), strings.HasPrefix(value, "."):
			suffix := strings.TrimLeft(strings.TrimPrefix(value, "*"), ".")
			if suffix != "" && !slices.Contains(b.suffixes, suffix) {
				b.suffixes = append(b.suffixes, suffix)
			}
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

// BlocksHost reports whether host (without port) is blocked.
func (b *HostBlocklist) BlocksHost(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// BlocksURL reports whether rawURL points at a blocked host. Unparseable
// URLs are left to the fetcher to reject.
func (b *HostBlocklist) BlocksURL(rawURL string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return b.BlocksHost(u.Hostname())
}
