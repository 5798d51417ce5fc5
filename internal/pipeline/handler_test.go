package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/edge-gateway/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(h *harness) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.NoRoute(h.o.Handler())
	return r
}

func TestHandler_ProxiesThroughGin(t *testing.T) {
	h := newHarness(t, nil)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/x?b=2&a=1", nil)
	req.Header.Set("Authorization", "Bearer "+tokenAlice)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	evs := h.events.All()
	require.Len(t, evs, 1)
	assert.Equal(t, "abc-123", evs[0].RequestID)
	assert.Equal(t, "/x", evs[0].Path)
	assert.Equal(t, 2, evs[0].BytesOut)
}

func TestHandler_Unauthorized(t *testing.T) {
	h := newHarness(t, nil)
	router := newRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Zero(t, h.calls.Load())
}

func TestHandler_PreflightHasNoBody(t *testing.T) {
	h := newHarness(t, nil)
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_Health(t *testing.T) {
	h := newHarness(t, nil)
	router := newRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestHandler_PreservesEscapedPath(t *testing.T) {
	var gotURI string
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		w.WriteHeader(http.StatusOK)
	})
	router := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/files/a%2Fb?x=1", nil)
	req.Header.Set("Authorization", "Bearer "+tokenAlice)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/files/a%2Fb?x=1", gotURI)

	evs := h.events.All()
	require.Len(t, evs, 1)
	assert.Equal(t, "/files/a/b", evs[0].Path)

	// the decoded form is a different resource and a different cache entry
	req = httptest.NewRequest(http.MethodGet, "/files/a/b?x=1", nil)
	req.Header.Set("Authorization", "Bearer "+tokenAlice)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "/files/a/b?x=1", gotURI)
	assert.EqualValues(t, 2, h.calls.Load())
}
