package httpserver

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// originMiddleware enforces the browser Origin policy for every route,
// including the signaling WebSocket upgrade. Requests without an Origin
// header (curl, server-to-server) pass through untouched.
func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			normalized, originHost, ok := normalizeOriginHeader(originHeader)
			if !ok || !originAllowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// normalizeOriginHeader validates a browser Origin header and returns the
// canonical scheme://host[:port] form plus the host[:port] part. Default
// ports are stripped. The special value "null" is passed through.
func normalizeOriginHeader(originHeader string) (normalized string, host string, ok bool) {
	if originHeader == "null" {
		return "null", "", true
	}

	u, err := url.Parse(originHeader)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	var port uint64
	if rawPort := u.Port(); rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

// originAllowed applies the configured allowlist; with no allowlist the
// default policy is same-host only. Scheme is deliberately not compared so
// the relay can sit behind a TLS-terminating proxy.
func originAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	if originHost == "" {
		// "null" origins never match a host-based request.
		return false
	}

	reqHost := strings.ToLower(strings.TrimSpace(requestHost))
	// Strip default ports so http://example.com matches a Host header of
	// example.com:80 (and likewise for 443).
	reqHost = strings.TrimSuffix(strings.TrimSuffix(reqHost, ":80"), ":443")
	return originHost == reqHost
}
