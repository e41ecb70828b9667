// Package util provides helpers shared by the tunnel server packages.
package util

import (
	"net/http"
	"strings"
	"time"
)

// Trace headers propagated by the routing front-end. The server echoes
// the request values and stamps its own timestamp on every response
// that carries them.
const (
	HeaderRequestNodes           = "Request-Nodes"
	HeaderRequestNodesTimestamps = "Request-Nodes-Timestamps"
	HeaderUserTimestamp          = "User-Timestamp"
	HeaderServerTimestamp        = "Server-Timestamp"
)

// ExtractJWT returns the token portion of a Bearer authorization
// header, or "" if the header is absent or not Bearer-shaped.
func ExtractJWT(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SetTraceHeaders copies the inbound trace headers to an outbound
// header set and stamps the current server time in UTC.
func SetTraceHeaders(dst http.Header, src http.Header) {
	for _, h := range []string{HeaderRequestNodes, HeaderRequestNodesTimestamps, HeaderUserTimestamp} {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
	dst.Set(HeaderServerTimestamp, time.Now().UTC().Format(time.RFC3339))
}
