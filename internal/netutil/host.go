// Package netutil provides shared host normalization helpers.
package netutil

import (
	"net"
	"net/url"
	"strings"
)

// maxHostLen bounds hostnames read from untrusted input before they are used
// as file names.
const maxHostLen = 255

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// NormalizeDomain reduces a configured base domain, which may be given as a
// URL, to a bare lower-case host.
func NormalizeDomain(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	return NormalizeHost(v)
}

// SanitizeRouteHost turns a Host header into a safe file name for the router
// directories: at most 255 bytes, path separators escaped, and empty labels
// removed so "..", leading dots, and doubled dots cannot traverse or alias.
func SanitizeRouteHost(raw string) string {
	host := NormalizeHost(raw)
	if len(host) > maxHostLen {
		host = host[:maxHostLen]
	}
	host = url.PathEscape(host)

	labels := strings.Split(host, ".")
	kept := labels[:0]
	for _, label := range labels {
		if label != "" {
			kept = append(kept, label)
		}
	}
	return strings.Join(kept, ".")
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
