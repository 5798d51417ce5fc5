package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Transitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	var changes []bool
	c := NewChecker(Config{
		Target:      backend.URL + "/",
		Endpoint:    "/healthz",
		MaxFailures: 2,
		OnChange:    func(h bool) { changes = append(changes, h) },
	})
	assert.Equal(t, Unknown, c.Status().Health)

	ctx := context.Background()
	c.Check(ctx)
	assert.Equal(t, Healthy, c.Status().Health)

	healthy.Store(false)
	c.Check(ctx)
	assert.Equal(t, Healthy, c.Status().Health, "one failure is tolerated")
	c.Check(ctx)

	st := c.Status()
	assert.Equal(t, Unhealthy, st.Health)
	assert.Equal(t, 2, st.FailureCount)
	assert.Contains(t, st.LastError, "503")

	healthy.Store(true)
	c.Check(ctx)
	assert.Equal(t, Healthy, c.Status().Health)
	assert.Zero(t, c.Status().FailureCount)

	assert.Equal(t, []bool{true, false, true}, changes)
}

func TestChecker_UnreachableBackend(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	target := backend.URL
	backend.Close()

	c := NewChecker(Config{Target: target, MaxFailures: 1, Timeout: time.Second})
	c.Check(context.Background())
	assert.Equal(t, Unhealthy, c.Status().Health)
}

func TestChecker_StartStop(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	c := NewChecker(Config{Target: backend.URL, Interval: 10 * time.Millisecond})
	c.Start(context.Background())
	c.Start(context.Background()) // second start is a no-op

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()

	after := hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, hits.Load(), "no checks after Stop")
	assert.Equal(t, Healthy, c.Status().Health)
}

func TestStatus_JSON(t *testing.T) {
	out, err := json.Marshal(Status{Target: "http://b", Health: Unhealthy})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"health":"unhealthy"`)
}
