package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aman-churiwal/edge-gateway/internal/auth"
	"github.com/aman-churiwal/edge-gateway/internal/cache"
	"github.com/aman-churiwal/edge-gateway/internal/events"
	"github.com/aman-churiwal/edge-gateway/internal/ratelimit"
	"github.com/aman-churiwal/edge-gateway/internal/upstream"
)

const (
	defaultHealthPath    = "/health"
	defaultSweepInterval = time.Minute
	defaultMaxBodyBytes  = 10 << 20
)

type Config struct {
	HealthPath     string
	CORS           CORSConfig
	CachePolicy    cache.Policy
	CoalesceMisses bool
	SweepInterval  time.Duration
	MaxBodyBytes   int64
}

// Deps are the shared components a pipeline runs on. Cache may be nil to
// disable response caching; Sink and Logger default to no-ops.
type Deps struct {
	Validator Validator
	Limiter   ratelimit.Limiter
	Cache     *cache.ResponseCache
	Upstream  Forwarder
	Sink      events.Sink
	Logger    *zap.Logger
	Now       func() time.Time
}

// Orchestrator runs each request through CORS and health short-circuits,
// authentication, rate limiting, cache lookup and forwarding. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	cors      *cors
	validator Validator
	limiter   ratelimit.Limiter
	cache     *cache.ResponseCache
	upstream  Forwarder
	coalescer cache.Coalescer[*upstream.Response]
	sink      events.Sink
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Validator == nil {
		return nil, errors.New("pipeline: validator is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("pipeline: limiter is required")
	}
	if deps.Upstream == nil {
		return nil, errors.New("pipeline: upstream is required")
	}

	if cfg.HealthPath == "" {
		cfg.HealthPath = defaultHealthPath
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	o := &Orchestrator{
		cfg:       cfg,
		cors:      newCORS(cfg.CORS),
		validator: deps.Validator,
		limiter:   deps.Limiter,
		cache:     deps.Cache,
		upstream:  deps.Upstream,
		sink:      deps.Sink,
		logger:    deps.Logger,
		tracer:    otel.Tracer("github.com/aman-churiwal/edge-gateway/internal/pipeline"),
		now:       deps.Now,
	}
	if o.sink == nil {
		o.sink = events.Discard
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Process runs req through the pipeline and returns the terminal response.
// Exactly one event is emitted per call.
func (o *Orchestrator) Process(ctx context.Context, req *Request) *Response {
	if req.Received.IsZero() {
		req.Received = o.now()
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	resp := o.run(ctx, req)
	o.finish(req, resp)
	return resp
}

func (o *Orchestrator) run(ctx context.Context, req *Request) *Response {
	if req.Method == http.MethodOptions {
		resp := &Response{Status: http.StatusNoContent, Header: http.Header{}, Stage: StagePreflight}
		o.cors.applyPreflight(resp.Header, req.Header.Get("Origin"))
		return resp
	}

	if req.Method == http.MethodGet && req.Path == o.cfg.HealthPath {
		h := http.Header{}
		h.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{Status: http.StatusOK, Header: h, Body: []byte("OK"), Stage: StageHealth}
	}

	anonymous := ClientIdentity(nil, req.ClientIP)

	if req.Method == "" || req.Path == "" || req.Path[0] != '/' {
		return errorResponse(http.StatusBadRequest, StageReceived, anonymous, "invalid_request", "Invalid request")
	}

	principal, err := o.validator.Validate(req.Header.Get("Authorization"))
	if err != nil {
		resp := errorResponse(http.StatusUnauthorized, StageAuthenticating, anonymous, auth.Reason(err), "Unauthorized")
		resp.Header.Set("WWW-Authenticate", "Bearer")
		return resp
	}
	identity := ClientIdentity(&principal, req.ClientIP)

	decision := o.limiter.Admit(identity, req.Received)
	if !decision.Allowed {
		resp := errorResponse(http.StatusTooManyRequests, StageRateLimiting, identity, "rate_limited", "Rate limit exceeded")
		setRateLimitHeaders(resp.Header, decision)
		resp.Header.Set("Retry-After", strconv.Itoa(ceilSeconds(decision.RetryAfter)))
		return resp
	}

	resp := o.serve(ctx, req, identity)
	setRateLimitHeaders(resp.Header, decision)
	return resp
}

// serve answers an admitted request from the cache or the backend.
func (o *Orchestrator) serve(ctx context.Context, req *Request, identity string) *Response {
	cacheable := o.cache != nil && o.cfg.CachePolicy.Cacheable(req.Method, req.Path)

	var key string
	if cacheable {
		keyPath := req.RawPath
		if keyPath == "" {
			keyPath = req.Path
		}
		key = cache.Key(req.Method, keyPath, req.RawQuery)
		if entry, ok := o.cache.Lookup(key, o.now()); ok {
			resp := &Response{
				Status:   entry.Status,
				Header:   entry.Header.Clone(),
				Body:     entry.Body,
				Stage:    StageCacheLookup,
				Identity: identity,
				Cache:    "hit",
			}
			resp.Header.Set("X-Cache", "HIT")
			return resp
		}
	}

	body, err := o.readBody(req.Body)
	if err != nil {
		return errorResponse(http.StatusBadRequest, StageForwarding, identity, "invalid_request", err.Error())
	}

	ureq := &upstream.Request{
		Method:    req.Method,
		Path:      req.Path,
		RawPath:   req.RawPath,
		RawQuery:  req.RawQuery,
		Header:    req.Header,
		Body:      body,
		Host:      req.Host,
		Proto:     req.Proto,
		ClientIP:  req.ClientIP,
		RequestID: req.ID,
	}

	fetch := func(ctx context.Context) (*upstream.Response, error) {
		uresp, err := o.upstream.Forward(ctx, ureq)
		if err != nil {
			return nil, err
		}
		if cacheable && o.cfg.CachePolicy.Storable(uresp.Status, uresp.Header) {
			o.cache.Store(key, &cache.Entry{
				Status:   uresp.Status,
				Header:   uresp.Header,
				Body:     uresp.Body,
				StoredAt: o.now(),
			})
		}
		return uresp, nil
	}

	var uresp *upstream.Response
	if cacheable && o.cfg.CoalesceMisses {
		uresp, _, err = o.coalescer.Do(ctx, key, fetch)
	} else {
		uresp, err = fetch(ctx)
	}
	if err != nil {
		return o.upstreamError(req, identity, err)
	}

	resp := &Response{
		Status:   uresp.Status,
		Header:   uresp.Header.Clone(),
		Body:     uresp.Body,
		Stage:    StageResponding,
		Identity: identity,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if cacheable {
		resp.Cache = "miss"
		resp.Header.Set("X-Cache", "MISS")
	}
	return resp
}

var errBodyTooLarge = errors.New("request body too large")

func (o *Orchestrator) readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, o.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, errors.New("unreadable request body")
	}
	if int64(len(body)) > o.cfg.MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func (o *Orchestrator) upstreamError(req *Request, identity string, err error) *Response {
	kind := upstream.KindOf(err)
	if kind == 0 {
		// A coalesced waiter gave up on its own context.
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = upstream.KindTimeout
		case errors.Is(err, context.Canceled):
			kind = upstream.KindCanceled
		default:
			kind = upstream.KindConnectionFailed
		}
	}

	o.logger.Debug("request failed upstream",
		zap.String("request_id", req.ID),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)

	switch kind {
	case upstream.KindTimeout:
		return errorResponse(http.StatusGatewayTimeout, StageForwarding, identity, kind.String(), "Gateway Timeout")
	case upstream.KindCanceled:
		return &Response{Status: StatusClientClosedRequest, Header: http.Header{}, Stage: StageForwarding, Identity: identity, Error: kind.String()}
	case upstream.KindInvalidRequest:
		return errorResponse(http.StatusBadRequest, StageForwarding, identity, kind.String(), "Invalid request")
	default:
		return errorResponse(http.StatusBadGateway, StageForwarding, identity, kind.String(), "Bad Gateway")
	}
}

// finish adds the headers every response carries and emits the event.
func (o *Orchestrator) finish(req *Request, resp *Response) {
	resp.Elapsed = o.now().Sub(req.Received)
	if resp.Identity == "" {
		resp.Identity = ClientIdentity(nil, req.ClientIP)
	}

	if resp.Stage != StagePreflight {
		o.cors.apply(resp.Header, req.Header.Get("Origin"))
	}
	if req.ID != "" {
		resp.Header.Set("X-Request-ID", req.ID)
	}
	resp.Header.Set("X-Response-Time", resp.Elapsed.String())

	o.sink.Emit(events.Event{
		Time:      req.Received,
		RequestID: req.ID,
		Identity:  resp.Identity,
		Method:    req.Method,
		Path:      req.Path,
		Status:    resp.Status,
		Elapsed:   resp.Elapsed,
		Stage:     string(resp.Stage),
		Cache:     resp.Cache,
		Error:     resp.Error,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		BytesOut:  len(resp.Body),
	})
}

func errorResponse(status int, stage Stage, identity, reason, message string) *Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	return &Response{
		Status:   status,
		Header:   h,
		Body:     body,
		Stage:    stage,
		Identity: identity,
		Error:    reason,
	}
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAfter)))
}

// ceilSeconds rounds d up to whole seconds, never below one.
func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
