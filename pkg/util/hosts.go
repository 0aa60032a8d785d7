package utils

import (
	"net"
	"net/url"
	"strings"
)

// Contains reports whether origin matches one of hosts. Entries may be a
// bare host name, a host:port pair or a full origin URL; a leading "*."
// matches any subdomain.
func Contains(origin string, hosts []string) bool {
	if origin == "" {
		return false
	}

	host, port := splitOrigin(origin)
	for _, entry := range hosts {
		entryHost, entryPort := splitOrigin(entry)
		if entryPort != "" && entryPort != port {
			continue
		}

		if strings.HasPrefix(entryHost, "*.") {
			if strings.HasSuffix(host, entryHost[1:]) {
				return true
			}
			continue
		}

		if strings.EqualFold(host, entryHost) {
			return true
		}
	}

	return false
}

func splitOrigin(origin string) (string, string) {
	origin = strings.TrimSpace(origin)
	if strings.Contains(origin, "://") {
		if u, err := url.Parse(origin); err == nil {
			return strings.ToLower(u.Hostname()), u.Port()
		}
	}

	if host, port, err := net.SplitHostPort(origin); err == nil {
		return strings.ToLower(host), port
	}
	return strings.ToLower(origin), ""
}
