// Package upstream forwards admitted requests to the single backend.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/aman-churiwal/edge-gateway/internal/circuitbreaker"
)

const defaultMaxResponseBytes = 10 << 20

var errResponseTooLarge = errors.New("response body exceeds limit")

// Request is the inbound request as the backend should see it, before path
// rewriting.
type Request struct {
	Method    string
	Path      string
	RawPath   string // escaped form of Path; empty means Path
	RawQuery  string
	Header    http.Header
	Body      []byte
	Host      string // inbound Host, sent as X-Forwarded-Host
	Proto     string // "http" or "https", sent as X-Forwarded-Proto
	ClientIP  string
	RequestID string
}

// Response is a fully buffered backend response.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Elapsed time.Duration
}

type Config struct {
	BaseURL          string
	StripPrefix      string
	Timeout          time.Duration
	MaxIdleConns     int
	MaxResponseBytes int64

	// Breaker, when set, guards every call. Only timeouts and connection
	// failures count against it; client cancellations count for nothing.
	Breaker *circuitbreaker.CircuitBreaker

	// Transport overrides the pooled HTTP transport.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client is safe for concurrent use. Its only shared state is the immutable
// configuration and the transport's connection pool.
type Client struct {
	base             *url.URL
	stripPrefix      string
	timeout          time.Duration
	maxResponseBytes int64
	httpClient       *http.Client
	breaker          *circuitbreaker.CircuitBreaker
	logger           *zap.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute http(s)", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("upstream timeout must be positive")
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.MaxIdleConns > 0 {
			t.MaxIdleConns = cfg.MaxIdleConns
			t.MaxIdleConnsPerHost = cfg.MaxIdleConns
		}
		transport = t
	}

	return &Client{
		base:             base,
		stripPrefix:      strings.TrimSuffix(cfg.StripPrefix, "/"),
		timeout:          cfg.Timeout,
		maxResponseBytes: cfg.MaxResponseBytes,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			// Redirects belong to the client, not the gateway.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
	}, nil
}

// TargetURL returns the backend URL for an inbound path and query. path may
// be escaped; its escaping (such as %2F) reaches the backend unchanged.
func (c *Client) TargetURL(path, rawQuery string) *url.URL {
	target := *c.base
	escaped := singleJoiningSlash(c.base.EscapedPath(), c.StripPath(path))
	if decoded, err := url.PathUnescape(escaped); err == nil {
		target.Path = decoded
		target.RawPath = escaped
	} else {
		target.Path = escaped
		target.RawPath = ""
	}
	target.RawQuery = rawQuery
	return &target
}

// StripPath removes the configured prefix when path starts with it on a
// segment boundary. Other paths pass through unchanged.
func (c *Client) StripPath(path string) string {
	if c.stripPrefix == "" {
		return path
	}
	if path == c.stripPrefix {
		return "/"
	}
	if strings.HasPrefix(path, c.stripPrefix+"/") {
		return path[len(c.stripPrefix):]
	}
	return path
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// Forward sends req to the backend and buffers the response. The call is
// bounded by the configured timeout and abandoned when ctx is canceled.
func (c *Client) Forward(ctx context.Context, req *Request) (*Response, error) {
	if c.breaker == nil {
		return c.do(ctx, req)
	}

	var resp *Response
	var callErr error
	err := c.breaker.Call(func() error {
		resp, callErr = c.do(ctx, req)
		switch KindOf(callErr) {
		case KindTimeout, KindConnectionFailed:
			return callErr
		case KindCanceled, KindInvalidRequest:
			// The backend was not judged.
			return circuitbreaker.Neutral(callErr)
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, &Error{Kind: KindConnectionFailed, Err: err}
	}
	return resp, callErr
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path := req.RawPath
	if path == "" {
		path = req.Path
	}
	target := c.TargetURL(path, req.RawQuery)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	outReq, err := http.NewRequestWithContext(callCtx, req.Method, target.String(), body)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}

	outReq.Header = outboundHeader(req.Header)
	appendForwardedFor(outReq.Header, req.ClientIP)
	if req.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.Proto != "" {
		outReq.Header.Set("X-Forwarded-Proto", req.Proto)
	}
	if req.RequestID != "" {
		outReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.httpClient.Do(outReq)
	if err != nil {
		return nil, c.classify(ctx, err, target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, c.classify(ctx, err, target)
	}
	if int64(len(data)) > c.maxResponseBytes {
		c.logger.Warn("upstream response too large",
			zap.String("url", target.Path),
			zap.Int64("limit", c.maxResponseBytes))
		return nil, &Error{Kind: KindConnectionFailed, Err: errResponseTooLarge}
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	elapsed := time.Since(start)
	c.logger.Debug("upstream response",
		zap.String("method", req.Method),
		zap.String("url", target.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	return &Response{
		Status:  resp.StatusCode,
		Header:  header,
		Body:    data,
		Elapsed: elapsed,
	}, nil
}

// classify maps a transport error to an *Error. parent is the caller's
// context, without the upstream timeout.
func (c *Client) classify(parent context.Context, err error, target *url.URL) error {
	kind := KindConnectionFailed
	switch {
	case parent.Err() != nil:
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}

	if kind != KindCanceled {
		c.logger.Warn("upstream call failed",
			zap.String("url", target.Path),
			zap.Stringer("kind", kind),
			zap.Error(err))
	}
	return &Error{Kind: kind, Err: err}
}

// BreakerState reports the circuit breaker state, or closed when none is configured.
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

// Breaker returns the configured circuit breaker, which may be nil.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

func (c *Client) BaseURL() string {
	return c.base.String()
}
