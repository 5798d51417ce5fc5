package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/edge-gateway/internal/circuitbreaker"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost:8080", Timeout: time.Second})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://backend", Timeout: 0})
	assert.Error(t, err)
}

func TestClient_StripPath(t *testing.T) {
	c := newTestClient(t, Config{BaseURL: "http://backend", StripPrefix: "/api/"})

	tests := []struct {
		in   string
		want string
	}{
		{"/api/users", "/users"},
		{"/api", "/"},
		{"/api/", "/"},
		{"/apiary", "/apiary"},
		{"/other/api/x", "/other/api/x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.StripPath(tt.in), tt.in)
	}
}

func TestClient_TargetURL(t *testing.T) {
	c := newTestClient(t, Config{BaseURL: "http://backend:9000/base", StripPrefix: "/api"})

	assert.Equal(t, "http://backend:9000/base/users?b=2&a=1", c.TargetURL("/api/users", "b=2&a=1").String())
	assert.Equal(t, "http://backend:9000/base/", c.TargetURL("/api", "").String())
	assert.Equal(t, "http://backend:9000/base/files/a%2Fb", c.TargetURL("/api/files/a%2Fb", "").String())
	assert.Equal(t, "/base/files/a/b", c.TargetURL("/api/files/a%2Fb", "").Path)
}

func TestClient_ForwardRewritesRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Backend", "yes")
		w.Header().Set("Connection", "close")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer backend.Close()

	c := newTestClient(t, Config{BaseURL: backend.URL, StripPrefix: "/api"})

	resp, err := c.Forward(context.Background(), &Request{
		Method:   http.MethodPost,
		Path:     "/api/items",
		RawQuery: "q=1",
		Header: http.Header{
			"Authorization":   {"Bearer t"},
			"Content-Type":    {"application/json"},
			"Connection":      {"keep-alive, X-Private"},
			"X-Private":       {"secret"},
			"Upgrade":         {"websocket"},
			"X-Forwarded-For": {"203.0.113.9"},
		},
		Body:      []byte(`{"a":1}`),
		Host:      "gateway.example",
		Proto:     "http",
		ClientIP:  "10.0.0.1",
		RequestID: "req-1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/items", got.URL.Path)
	assert.Equal(t, "q=1", got.URL.RawQuery)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "Bearer t", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Empty(t, got.Header.Get("X-Private"))
	assert.Empty(t, got.Header.Get("Upgrade"))
	assert.Equal(t, "203.0.113.9, 10.0.0.1", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "gateway.example", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "req-1", got.Header.Get("X-Request-ID"))

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "created", string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
	assert.Empty(t, resp.Header.Get("Connection"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.Greater(t, resp.Elapsed, time.Duration(0))
}

func TestClient_BackendErrorStatusIsAResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	c := newTestClient(t, Config{BaseURL: backend.URL})
	resp, err := c.Forward(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestClient_RedirectsArePassedThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer backend.Close()

	c := newTestClient(t, Config{BaseURL: backend.URL})
	resp, err := c.Forward(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestClient_Timeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	c := newTestClient(t, Config{BaseURL: backend.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Forward(context.Background(), &Request{Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestClient_ConnectionFailed(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	c := newTestClient(t, Config{BaseURL: url})
	_, err := c.Forward(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, KindConnectionFailed, KindOf(err))

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, ue.Error(), "connection_failed")
}

func TestClient_ClientCancellationAbandonsCall(t *testing.T) {
	started := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer backend.Close()

	c := newTestClient(t, Config{BaseURL: backend.URL, Timeout: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Forward(ctx, &Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, KindCanceled, KindOf(err))
}

func TestClient_ResponseTooLarge(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer backend.Close()

	c := newTestClient(t, Config{BaseURL: backend.URL, MaxResponseBytes: 16})
	_, err := c.Forward(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, KindConnectionFailed, KindOf(err))
	assert.ErrorIs(t, err, errResponseTooLarge)
}

func TestClient_BreakerCountsTransportFailuresOnly(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail.Load() {
			// drop the connection without a response
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 2, Timeout: time.Minute})
	c := newTestClient(t, Config{BaseURL: backend.URL, Breaker: breaker})
	req := &Request{Method: http.MethodGet, Path: "/x"}

	// 503 responses are not failures
	for i := 0; i < 3; i++ {
		resp, err := c.Forward(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())

	fail.Store(true)
	for i := 0; i < 2; i++ {
		_, err := c.Forward(context.Background(), req)
		assert.Equal(t, KindConnectionFailed, KindOf(err))
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	before := calls.Load()
	_, err := c.Forward(context.Background(), req)
	assert.Equal(t, KindConnectionFailed, KindOf(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, before, calls.Load(), "open breaker does not reach the backend")
}

func TestClient_CanceledHalfOpenProbeDoesNotCloseBreaker(t *testing.T) {
	var healthy atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		<-r.Context().Done()
	}))
	defer backend.Close()

	now := time.Unix(1_700_000_000, 0)
	breaker := circuitbreaker.New(circuitbreaker.Config{
		MaxFailures: 1,
		Timeout:     time.Minute,
		Now:         func() time.Time { return now },
	})
	c := newTestClient(t, Config{BaseURL: backend.URL, Timeout: 200 * time.Millisecond, Breaker: breaker})
	req := &Request{Method: http.MethodGet, Path: "/x"}

	_, err := c.Forward(context.Background(), req)
	require.Equal(t, KindTimeout, KindOf(err))
	require.Equal(t, circuitbreaker.StateOpen, c.BreakerState())

	now = now.Add(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Forward(ctx, req)
	require.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, circuitbreaker.StateHalfOpen, c.BreakerState())

	healthy.Store(true)
	resp, err := c.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, circuitbreaker.StateClosed, c.BreakerState())
}

func TestClient_CanceledCallKeepsFailureCount(t *testing.T) {
	var hang atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hang.Load() {
			<-r.Context().Done()
			return
		}
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
	}))
	defer backend.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 2, Timeout: time.Minute})
	c := newTestClient(t, Config{BaseURL: backend.URL, Timeout: time.Second, Breaker: breaker})
	req := &Request{Method: http.MethodGet, Path: "/x"}

	_, err := c.Forward(context.Background(), req)
	require.Equal(t, KindConnectionFailed, KindOf(err))

	hang.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Forward(ctx, req)
	require.Equal(t, KindCanceled, KindOf(err))
	assert.Equal(t, 1, breaker.Metrics().FailureCount)

	hang.Store(false)
	_, err = c.Forward(context.Background(), req)
	require.Equal(t, KindConnectionFailed, KindOf(err))
	assert.Equal(t, circuitbreaker.StateOpen, c.BreakerState())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "connection_failed", KindConnectionFailed.String())
	assert.Equal(t, "canceled", KindCanceled.String())
	assert.Equal(t, "invalid_request", KindInvalidRequest.String())
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
}
