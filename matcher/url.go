package matcher

import (
	"net"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// NormalizeURL returns the canonical form two URLs are compared in. Scheme
// and host are lower-cased, default ports and fragments dropped, an empty
// path becomes "/", a trailing slash on any other path is removed and an
// empty query is the same as no query. Query parameters keep their order.
// Strings that do not parse are returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if u.Opaque != "" {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, port, err := net.SplitHostPort(host); err == nil && defaultPorts[scheme] == port {
		host = h
		if strings.Contains(h, ":") {
			host = "[" + h + "]"
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteString(":")
	}
	if host != "" || scheme != "" {
		b.WriteString("//")
		if u.User != nil {
			b.WriteString(u.User.String())
			b.WriteString("@")
		}
		b.WriteString(host)
	}
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}
