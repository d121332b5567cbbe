package domain

import "strings"

const (
	minNameLen  = 5
	maxNameLen  = 255
	maxLabelLen = 63
)

// NormalizeName lower-cases and trims an offered username.
func NormalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidName reports whether name is acceptable as a tunnel name: 5 to 255
// characters from [a-z0-9.-], not starting or ending with '-' or '.', and no
// dot-separated label longer than 63 characters.
func ValidName(name string) bool {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}
	if strings.Trim(name, "-.") != name {
		return false
	}
	for label := range strings.SplitSeq(name, ".") {
		if len(label) > maxLabelLen {
			return false
		}
	}
	return true
}

// IsCustomDomain reports whether name is a full domain of its own rather than
// a label under the broker's base domain.
func IsCustomDomain(name string) bool {
	return strings.Contains(name, ".")
}

// RouteHost returns the host the edge router serves for name: the name itself
// when it is a custom domain, otherwise name.base.
func RouteHost(name, base string) string {
	if IsCustomDomain(name) {
		return name
	}
	return PublicHost(name, base)
}

// PublicHost returns name.base, the address reported to the client and the
// CNAME target for custom domains.
func PublicHost(name, base string) string {
	return name + "." + base
}
