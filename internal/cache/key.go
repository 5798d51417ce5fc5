package cache

import (
	"net/http"
	"sort"
	"strings"
)

// Key builds the normalized cache key: method, path and the query string
// with its parameters sorted, so "?b=2&a=1" and "?a=1&b=2" share an entry.
func Key(method, path, rawQuery string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)

	if rawQuery != "" {
		params := strings.Split(rawQuery, "&")
		kept := params[:0]
		for _, p := range params {
			if p != "" {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			sort.Strings(kept)
			b.WriteByte('?')
			b.WriteString(strings.Join(kept, "&"))
		}
	}

	return b.String()
}

// Policy decides which requests are looked up and which responses are stored.
type Policy struct {
	excludePaths []string
}

func NewPolicy(excludePaths []string) Policy {
	return Policy{excludePaths: append([]string(nil), excludePaths...)}
}

// Cacheable reports whether a request may be served from the cache: only
// GETs whose path is not under an excluded prefix.
func (p Policy) Cacheable(method, path string) bool {
	if method != http.MethodGet {
		return false
	}
	for _, prefix := range p.excludePaths {
		if hasPathPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// Storable reports whether an upstream response may be stored. Only 2xx
// responses the backend has not marked no-store or private qualify. The key
// carries no request headers, so responses that vary on them (a Vary header
// or a negotiated Content-Encoding) are never stored.
func (p Policy) Storable(status int, header http.Header) bool {
	if status < 200 || status > 299 {
		return false
	}
	if len(header.Values("Vary")) > 0 {
		return false
	}
	if enc := strings.TrimSpace(header.Get("Content-Encoding")); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	for _, v := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(directive)) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

// hasPathPrefix matches prefix on a path-segment boundary.
func hasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
