// Package playlist caches HLS manifests and rewrites their URI lines so
// every fetch the receiver makes comes back through this proxy.
package playlist

import (
	"net/url"
	"strings"

	"cast-proxy-go/pkg/urlutil"
)

// Rewrite rewrites every URI line of an HLS manifest into a proxied URL.
// Comment lines (anything starting with '#') and blank lines pass through
// byte-identical. Relative URIs are resolved against the manifest URL first.
//
// The proxied URL places the url parameter before referer so the rewritten
// line stays stable and comparable across fetches.
func Rewrite(text, manifestURL, referer, proxyBase string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		resolved := urlutil.ResolveURL(trimmed, manifestURL)
		lines[i] = ProxyURL(proxyBase, resolved, referer)
	}
	return strings.Join(lines, "\n")
}

// ProxyURL builds the proxied form of an origin URL.
func ProxyURL(proxyBase, originURL, referer string) string {
	out := proxyBase + "/proxy?url=" + url.QueryEscape(originURL)
	if referer != "" {
		out += "&referer=" + url.QueryEscape(referer)
	}
	return out
}
