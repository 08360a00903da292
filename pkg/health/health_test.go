package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusResponse struct {
	Status string
	Checks map[string]string
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var r statusResponse
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			r.Status = s
			return err
		case "checks":
			r.Checks = map[string]string{}
			return d.Obj(func(d *jx.Decoder, name string) error {
				s, err := d.Str()
				r.Checks[name] = s
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return r
}

func pass(context.Context) error { return nil }

func fail(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func live(h *Health) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	return w
}

func ready(h *Health) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return w
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	for _, tc := range []struct {
		name     string
		check    CheckFunc
		runs     int
		code     int
		failures map[string]string
	}{
		{name: "no runs yet", check: fail("down"), runs: 0, code: http.StatusOK},
		{name: "passing", check: pass, runs: 3, code: http.StatusOK},
		{name: "below threshold", check: fail("temporary"), runs: failureThreshold - 1, code: http.StatusOK},
		{
			name: "at threshold", check: fail("connection refused"), runs: failureThreshold,
			code: http.StatusServiceUnavailable, failures: map[string]string{"postgres": "connection refused"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := New()
			h.AddLivenessCheck("postgres", time.Second, tc.check)
			runN(h.liveness.probes[0], tc.runs)

			w := live(h)
			assert.Equal(t, tc.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

			body := decodeStatus(t, w)
			if tc.failures == nil {
				assert.Equal(t, "ok", body.Status)
				assert.Empty(t, body.Checks)
				return
			}
			assert.Equal(t, "unhealthy", body.Status)
			assert.Equal(t, tc.failures, body.Checks)
		})
	}
}

func TestLiveEndpoint_NoChecks(t *testing.T) {
	w := live(New())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeStatus(t, w).Status)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, pass)
	h.AddReadinessCheck("redis", time.Second, fail("dial tcp: refused"))

	// Not ready until startup says so.
	w := ready(h)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, decodeStatus(t, w).Checks)

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, ready(h).Code)

	runN(h.readiness.probes[1], failureThreshold)
	w = ready(h)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, map[string]string{"redis": "dial tcp: refused"}, decodeStatus(t, w).Checks)

	// Shutdown drains on top of the failing check.
	h.SetReady(false)
	assert.Equal(t, map[string]string{
		"_readiness": "service is not ready",
		"redis":      "dial tcp: refused",
	}, decodeStatus(t, ready(h)).Checks)
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, fail("down"))
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.True(t, h.IsReady())

	runN(h.readiness.probes[0], failureThreshold)
	assert.False(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestProbe_Recovers(t *testing.T) {
	down := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	})
	p := h.liveness.probes[0]

	runN(p, failureThreshold)
	assert.False(t, p.state().healthy)
	assert.EqualError(t, p.state().err, "down")

	down = false
	runN(p, successThreshold)
	assert.True(t, p.state().healthy)
	assert.NoError(t, p.state().err)
}

func TestProbe_Timeout(t *testing.T) {
	p := newProbe("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p.run(context.Background())
	assert.ErrorIs(t, p.state().err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	var (
		mu   sync.Mutex
		runs int
	)
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, fail("err"))
	h.AddReadinessCheck("postgres", time.Second, pass)
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				live(h)
				ready(h)
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	ok := PingCheck("postgres", pingerFunc(pass))
	assert.NoError(t, ok(context.Background()))

	down := PingCheck("redis", pingerFunc(fail("dial tcp: refused")))
	err := down(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ping redis: dial tcp: refused", err.Error())
}
