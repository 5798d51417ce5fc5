package pipeline

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// cors holds the CORS policy with its header values pre-joined.
type cors struct {
	anyOrigin        bool
	origins          map[string]struct{}
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

func newCORS(cfg CORSConfig) *cors {
	c := &cors{
		origins:          make(map[string]struct{}, len(cfg.AllowOrigins)),
		allowMethods:     strings.Join(cfg.AllowMethods, ", "),
		allowHeaders:     strings.Join(cfg.AllowHeaders, ", "),
		exposeHeaders:    strings.Join(cfg.ExposeHeaders, ", "),
		allowCredentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			c.anyOrigin = true
			continue
		}
		c.origins[o] = struct{}{}
	}
	if cfg.MaxAge > 0 {
		c.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}
	return c
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed.
func (c *cors) allowOrigin(origin string) string {
	if c.anyOrigin {
		// A wildcard cannot be combined with credentials; echo instead.
		if c.allowCredentials && origin != "" {
			return origin
		}
		return "*"
	}
	if _, ok := c.origins[origin]; ok {
		return origin
	}
	return ""
}

// apply adds the CORS headers carried by every response.
func (c *cors) apply(h http.Header, origin string) {
	allowed := c.allowOrigin(origin)
	if allowed == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	if allowed != "*" {
		h.Add("Vary", "Origin")
	}
	if c.allowMethods != "" {
		h.Set("Access-Control-Allow-Methods", c.allowMethods)
	}
	if c.allowHeaders != "" {
		h.Set("Access-Control-Allow-Headers", c.allowHeaders)
	}
	if c.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", c.exposeHeaders)
	}
	if c.allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// applyPreflight adds the headers only meaningful on an OPTIONS response.
func (c *cors) applyPreflight(h http.Header, origin string) {
	c.apply(h, origin)
	if c.maxAge != "" && h.Get("Access-Control-Allow-Origin") != "" {
		h.Set("Access-Control-Max-Age", c.maxAge)
	}
}
