package discovery

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeBaseURL turns free-text user input into a fully qualified backend
// base URL: an http:// scheme is prepended when absent, trailing slashes are
// stripped, and apiPath is appended when the input has no path of its own.
// Unparsable input returns an error before any network activity happens.
func NormalizeBaseURL(input, apiPath string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("empty address")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", input, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", input)
	}

	u.Path = strings.TrimRight(u.Path, "/")
	if u.Path == "" {
		u.Path = apiPath
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// firstIPv4 returns the first usable IPv4 address from addrs, empty when
// there is none. IPv6 addresses are recognized by their colons.
func firstIPv4(addrs []string) string {
	for _, a := range addrs {
		if a == "" || strings.Contains(a, ":") {
			continue
		}
		return a
	}
	return ""
}

// candidateBaseURL derives the base URL for a scanned candidate: the TXT
// "path" value wins over the configured API path.
func candidateBaseURL(c Candidate, ipv4, apiPath string) string {
	path := apiPath
	if p, ok := c.Meta["path"]; ok && p != "" {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		path = strings.TrimRight(p, "/")
	}
	return fmt.Sprintf("http://%s:%d%s", ipv4, c.Port, path)
}
