// Package pipeline composes authentication, rate limiting, response caching
// and upstream forwarding into the gateway's per-request state machine.
package pipeline

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aman-churiwal/edge-gateway/internal/auth"
	"github.com/aman-churiwal/edge-gateway/internal/upstream"
)

// Stage names where a request left the pipeline.
type Stage string

const (
	StageReceived       Stage = "received"       // rejected as malformed
	StagePreflight      Stage = "cors_preflight" // OPTIONS answered directly
	StageHealth         Stage = "health_check"
	StageAuthenticating Stage = "authenticating"
	StageRateLimiting   Stage = "rate_limiting"
	StageCacheLookup    Stage = "cache_lookup" // served from cache
	StageForwarding     Stage = "forwarding"   // upstream call failed
	StageResponding     Stage = "responding"   // backend response relayed
)

// StatusClientClosedRequest is recorded when the client disconnected
// before a response could be produced.
const StatusClientClosedRequest = 499

// Request is the inbound request as seen by the pipeline.
type Request struct {
	ID        string
	Method    string
	Path      string // decoded
	RawPath   string // path as the client escaped it; empty means Path
	RawQuery  string
	Header    http.Header
	Body      io.Reader // read only when forwarding; may be nil
	Host      string
	Proto     string
	ClientIP  string
	UserAgent string
	Received  time.Time
}

// Response is the pipeline's terminal result.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Stage    Stage
	Identity string
	Cache    string // "hit", "miss" or empty when the request was not cacheable
	Error    string // machine-readable reason for rejections and upstream failures
	Elapsed  time.Duration
}

// Validator checks the Authorization header value.
type Validator interface {
	Validate(authorization string) (auth.Principal, error)
}

// Forwarder sends a request to the backend.
type Forwarder interface {
	Forward(ctx context.Context, req *upstream.Request) (*upstream.Response, error)
}

// ClientIdentity is the rate-limit and logging key for a request: the
// credential's subject when authenticated, else the client address.
func ClientIdentity(principal *auth.Principal, clientIP string) string {
	if principal != nil && principal.Subject != "" {
		return "sub:" + principal.Subject
	}
	return "ip:" + clientIP
}
