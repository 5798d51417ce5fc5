package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/edge-gateway/internal/auth"
	"github.com/aman-churiwal/edge-gateway/internal/cache"
	"github.com/aman-churiwal/edge-gateway/internal/events"
	"github.com/aman-churiwal/edge-gateway/internal/ratelimit"
	"github.com/aman-churiwal/edge-gateway/internal/upstream"
)

const (
	tokenAlice = "alice-token"
	tokenBob   = "bob-token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type harness struct {
	o       *Orchestrator
	clock   *fakeClock
	calls   *atomic.Int32
	events  *recorder
	backend *httptest.Server
	cache   *cache.ResponseCache
	limiter ratelimit.Limiter
}

type option func(*Config, *Deps, *upstream.Config)

func newHarness(t *testing.T, backend http.HandlerFunc, opts ...option) *harness {
	t.Helper()

	calls := &atomic.Int32{}
	if backend == nil {
		backend = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, "ok")
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		backend(w, r)
	}))
	t.Cleanup(srv.Close)

	validator, err := auth.NewValidator(auth.Config{Tokens: map[string]string{
		tokenAlice: "alice",
		tokenBob:   "bob",
	}})
	require.NoError(t, err)

	rc, err := cache.New(cache.Config{Duration: 300 * time.Second})
	require.NoError(t, err)

	clock := newFakeClock()
	rec := &recorder{}
	cfg := Config{
		CORS: CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:       10 * time.Minute,
		},
		CachePolicy: cache.NewPolicy(nil),
	}
	deps := Deps{
		Validator: validator,
		Limiter:   ratelimit.NewFixedWindow(2, 60*time.Second),
		Cache:     rc,
		Sink:      rec,
		Now:       clock.Now,
	}
	ucfg := upstream.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&cfg, &deps, &ucfg)
	}

	if deps.Upstream == nil {
		client, err := upstream.New(ucfg)
		require.NoError(t, err)
		deps.Upstream = client
	}

	o, err := New(cfg, deps)
	require.NoError(t, err)

	return &harness{o: o, clock: clock, calls: calls, events: rec, backend: srv, cache: deps.Cache, limiter: deps.Limiter}
}

func withLimit(limit int) option {
	return func(_ *Config, d *Deps, _ *upstream.Config) {
		d.Limiter = ratelimit.NewFixedWindow(limit, 60*time.Second)
	}
}

func get(path, token string) *Request {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &Request{ID: "req-1", Method: http.MethodGet, Path: path, Header: h, ClientIP: "10.0.0.1"}
}

func TestProcess_EndToEndScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	r1 := h.o.Process(ctx, get("/x", tokenAlice))
	assert.Equal(t, http.StatusOK, r1.Status)
	assert.Equal(t, "ok", string(r1.Body))
	assert.Equal(t, "miss", r1.Cache)
	assert.Equal(t, "MISS", r1.Header.Get("X-Cache"))
	assert.EqualValues(t, 1, h.calls.Load())

	r2 := h.o.Process(ctx, get("/x", tokenAlice))
	assert.Equal(t, http.StatusOK, r2.Status)
	assert.Equal(t, "ok", string(r2.Body))
	assert.Equal(t, "hit", r2.Cache)
	assert.Equal(t, StageCacheLookup, r2.Stage)
	assert.EqualValues(t, 1, h.calls.Load())

	r3 := h.o.Process(ctx, get("/x", ""))
	assert.Equal(t, http.StatusUnauthorized, r3.Status)
	assert.Equal(t, "Bearer", r3.Header.Get("WWW-Authenticate"))
	assert.EqualValues(t, 1, h.calls.Load())

	r4 := h.o.Process(ctx, get("/x", tokenAlice))
	assert.Equal(t, http.StatusTooManyRequests, r4.Status)
	assert.Equal(t, StageRateLimiting, r4.Stage)
	assert.Equal(t, "60", r4.Header.Get("Retry-After"))
	assert.Equal(t, "0", r4.Header.Get("X-RateLimit-Remaining"))
	assert.EqualValues(t, 1, h.calls.Load())

	evs := h.events.All()
	require.Len(t, evs, 4, "one event per request")
	assert.Equal(t, []string{"responding", "cache_lookup", "authenticating", "rate_limiting"},
		[]string{evs[0].Stage, evs[1].Stage, evs[2].Stage, evs[3].Stage})
	assert.Equal(t, "sub:alice", evs[0].Identity)
	assert.Equal(t, "ip:10.0.0.1", evs[2].Identity)
	assert.Equal(t, "missing_credential", evs[2].Error)
}

func TestProcess_RateLimitResetsAfterWindow(t *testing.T) {
	h := newHarness(t, nil, withLimit(1))
	ctx := context.Background()

	assert.Equal(t, http.StatusOK, h.o.Process(ctx, get("/x", tokenAlice)).Status)

	h.clock.Advance(45 * time.Second)
	resp := h.o.Process(ctx, get("/x", tokenAlice))
	require.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "15", resp.Header.Get("Retry-After"))

	h.clock.Advance(15 * time.Second)
	assert.Equal(t, http.StatusOK, h.o.Process(ctx, get("/x", tokenAlice)).Status)
}

func TestProcess_IdentitiesAreIndependent(t *testing.T) {
	h := newHarness(t, nil, withLimit(1))
	ctx := context.Background()

	assert.Equal(t, http.StatusOK, h.o.Process(ctx, get("/x", tokenAlice)).Status)
	assert.Equal(t, http.StatusTooManyRequests, h.o.Process(ctx, get("/x", tokenAlice)).Status)
	assert.Equal(t, http.StatusOK, h.o.Process(ctx, get("/x", tokenBob)).Status)
}

func TestProcess_ConcurrentIdentitiesAllAdmitted(t *testing.T) {
	validTokens := make(map[string]string)
	for i := 0; i < 50; i++ {
		validTokens[fmt.Sprintf("token-%d", i)] = fmt.Sprintf("user-%d", i)
	}
	h := newHarness(t, nil, func(c *Config, d *Deps, _ *upstream.Config) {
		v, err := auth.NewValidator(auth.Config{Tokens: validTokens})
		if err != nil {
			panic(err)
		}
		d.Validator = v
		d.Cache = nil
	})

	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < 50; i++ {
		token := fmt.Sprintf("token-%d", i)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if h.o.Process(context.Background(), get("/x", token)).Status != http.StatusOK {
					rejected.Add(1)
				}
			}()
		}
	}
	wg.Wait()

	assert.Zero(t, rejected.Load())
	assert.EqualValues(t, 100, h.calls.Load())
	assert.Equal(t, 50, h.limiter.Len())
}

func TestProcess_InvalidTokenNeverReachesUpstream(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, header := range []string{"", "Bearer nope", "Basic " + tokenAlice, "Bearer "} {
		req := get("/x", "")
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp := h.o.Process(ctx, req)
		assert.Equal(t, http.StatusUnauthorized, resp.Status, header)
		assert.NotContains(t, string(resp.Body), "nope")
	}
	assert.Zero(t, h.calls.Load())
	assert.Zero(t, h.limiter.Len(), "rejected credentials do not consume quota")
}

func TestProcess_OptionsBypassesAuthAndLimiter(t *testing.T) {
	h := newHarness(t, nil, withLimit(1))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := &Request{Method: http.MethodOptions, Path: "/anything", Header: http.Header{"Origin": {"https://app.example"}}}
		resp := h.o.Process(ctx, req)
		assert.Equal(t, http.StatusNoContent, resp.Status)
		assert.Equal(t, StagePreflight, resp.Stage)
		assert.Empty(t, resp.Body)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type, Authorization", resp.Header.Get("Access-Control-Allow-Headers"))
		assert.Equal(t, "600", resp.Header.Get("Access-Control-Max-Age"))
	}
	assert.Zero(t, h.calls.Load())
	assert.Zero(t, h.limiter.Len())
}

func TestProcess_HealthAlwaysOK(t *testing.T) {
	h := newHarness(t, nil, withLimit(1))
	h.backend.Close()
	ctx := context.Background()

	// Exhaust the quota for this client first.
	h.o.Process(ctx, get("/x", tokenAlice))
	h.o.Process(ctx, get("/x", tokenAlice))

	for i := 0; i < 3; i++ {
		resp := h.o.Process(ctx, get("/health", ""))
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "OK", string(resp.Body))
		assert.Equal(t, StageHealth, resp.Stage)
	}
}

func TestProcess_CacheExpiresAfterDuration(t *testing.T) {
	h := newHarness(t, nil, withLimit(100))
	ctx := context.Background()

	h.o.Process(ctx, get("/x", tokenAlice))
	h.clock.Advance(299 * time.Second)
	assert.Equal(t, "hit", h.o.Process(ctx, get("/x", tokenAlice)).Cache)
	assert.EqualValues(t, 1, h.calls.Load())

	h.clock.Advance(time.Second)
	assert.Equal(t, "miss", h.o.Process(ctx, get("/x", tokenAlice)).Cache)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestProcess_CacheHitIsVerbatim(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"n":1}`)
	}, withLimit(100))
	ctx := context.Background()

	first := get("/items", tokenAlice)
	first.RawQuery = "b=2&a=1"
	miss := h.o.Process(ctx, first)
	require.Equal(t, "miss", miss.Cache)
	hit := h.o.Process(ctx, &Request{Method: http.MethodGet, Path: "/items", RawQuery: "a=1&b=2",
		Header: http.Header{"Authorization": {"Bearer " + tokenBob}}})

	require.Equal(t, "hit", hit.Cache)
	assert.Equal(t, miss.Status, hit.Status)
	assert.Equal(t, miss.Body, hit.Body)
	assert.Equal(t, `"v1"`, hit.Header.Get("ETag"))
	assert.Equal(t, "application/json", hit.Header.Get("Content-Type"))
}

func TestProcess_EncodedResponsesAreNotCached(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") == "gzip" {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Vary", "Accept-Encoding")
			_, _ = io.WriteString(w, "compressed")
			return
		}
		_, _ = io.WriteString(w, "plain")
	}, withLimit(100))
	ctx := context.Background()

	gz := get("/doc", tokenAlice)
	gz.Header.Set("Accept-Encoding", "gzip")
	resp := h.o.Process(ctx, gz)
	assert.Equal(t, "compressed", string(resp.Body))
	assert.Equal(t, "miss", resp.Cache)
	assert.Zero(t, h.cache.Len())

	plain := get("/doc", tokenBob)
	plain.Header.Set("Accept-Encoding", "identity")
	resp = h.o.Process(ctx, plain)
	assert.Equal(t, "plain", string(resp.Body))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "miss", resp.Cache)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestProcess_CacheSkipsNonGetAndErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}, withLimit(100))
	ctx := context.Background()

	resp := h.o.Process(ctx, get("/x", tokenAlice))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, StageResponding, resp.Stage)
	assert.Zero(t, h.cache.Len())

	status.Store(http.StatusOK)
	post := get("/x", tokenAlice)
	post.Method = http.MethodPost
	post.Body = strings.NewReader("payload")
	resp = h.o.Process(ctx, post)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Cache)
	assert.Empty(t, resp.Header.Get("X-Cache"))
	assert.Zero(t, h.cache.Len())
}

func TestProcess_UpstreamFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}, func(_ *Config, _ *Deps, u *upstream.Config) {
			u.Timeout = 50 * time.Millisecond
		})
		defer close(release)

		resp := h.o.Process(context.Background(), get("/slow", tokenAlice))
		assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
		assert.Equal(t, StageForwarding, resp.Stage)
		assert.Equal(t, "timeout", resp.Error)
	})

	t.Run("connection failed", func(t *testing.T) {
		h := newHarness(t, nil)
		h.backend.Close()

		resp := h.o.Process(context.Background(), get("/x", tokenAlice))
		assert.Equal(t, http.StatusBadGateway, resp.Status)
		assert.Equal(t, "connection_failed", resp.Error)
		assert.JSONEq(t, `{"error":"Bad Gateway"}`, string(resp.Body))
	})

	t.Run("client canceled", func(t *testing.T) {
		h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		resp := h.o.Process(ctx, get("/x", tokenAlice))
		assert.Equal(t, StatusClientClosedRequest, resp.Status)
		assert.Equal(t, "canceled", resp.Error)
	})
}

func TestProcess_OversizeBodyRejected(t *testing.T) {
	h := newHarness(t, nil, func(c *Config, _ *Deps, _ *upstream.Config) {
		c.MaxBodyBytes = 4
	})

	req := get("/x", tokenAlice)
	req.Method = http.MethodPost
	req.Body = strings.NewReader("too large")
	resp := h.o.Process(context.Background(), req)

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "invalid_request", resp.Error)
	assert.Zero(t, h.calls.Load())
}

func TestProcess_InvalidPath(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.o.Process(context.Background(), get("relative", tokenAlice))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, StageReceived, resp.Stage)
	assert.Zero(t, h.calls.Load())
}

func TestProcess_CommonHeaders(t *testing.T) {
	h := newHarness(t, nil)
	req := get("/x", tokenAlice)
	req.Header.Set("Origin", "https://app.example")

	resp := h.o.Process(context.Background(), req)
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, resp.Header.Get("X-Response-Time"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", resp.Header.Get("X-RateLimit-Reset"))
}

func TestProcess_CoalescedMisses(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, "shared")
	}, withLimit(100), func(c *Config, _ *Deps, _ *upstream.Config) {
		c.CoalesceMisses = true
	})

	var wg sync.WaitGroup
	bodies := make([]string, 5)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bodies[i] = string(h.o.Process(context.Background(), get("/x", tokenAlice)).Body)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, h.calls.Load())
	for _, b := range bodies {
		assert.Equal(t, "shared", b)
	}
}

func TestOrchestrator_SweepAndLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.o.Process(ctx, get("/x", tokenAlice))
	require.Equal(t, 1, h.limiter.Len())
	require.Equal(t, 1, h.cache.Len())

	h.clock.Advance(61 * time.Second)
	windows, entries := h.o.Sweep(h.clock.Now())
	assert.Equal(t, 1, windows)
	assert.Zero(t, entries)

	h.clock.Advance(300 * time.Second)
	_, entries = h.o.Sweep(h.clock.Now())
	assert.Equal(t, 1, entries)

	h.o.Start(ctx)
	h.o.Start(ctx)
	h.o.Stop()
	h.o.Stop()
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestClientIdentity(t *testing.T) {
	assert.Equal(t, "sub:alice", ClientIdentity(&auth.Principal{Subject: "alice"}, "1.2.3.4"))
	assert.Equal(t, "ip:1.2.3.4", ClientIdentity(nil, "1.2.3.4"))
	assert.Equal(t, "ip:1.2.3.4", ClientIdentity(&auth.Principal{}, "1.2.3.4"))
}
