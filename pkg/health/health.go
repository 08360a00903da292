// Package health serves the /livez and /readyz probes of the API server.
//
// Checks run in background goroutines. A check flips to unhealthy after
// three consecutive failures and back after one success, so a single slow
// database ping does not pull the pod out of rotation.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

const (
	failureThreshold = 3
	successThreshold = 1

	notReadyCheck = "_readiness"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

type probeResult struct {
	healthy bool
	err     error
}

// probe is one registered check. run is only called from the probe's own
// goroutine (or a test), so the streak counters are unsynchronized; result
// is read concurrently by the endpoints.
type probe struct {
	name    string
	timeout time.Duration
	check   CheckFunc

	result atomic.Pointer[probeResult]

	fails, passes int
}

func newProbe(name string, timeout time.Duration, check CheckFunc) *probe {
	p := &probe{name: name, timeout: timeout, check: check}
	p.result.Store(&probeResult{healthy: true})
	return p
}

func (p *probe) state() probeResult { return *p.result.Load() }

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	healthy := p.state().healthy
	if err != nil {
		p.passes = 0
		p.fails++
		if p.fails >= failureThreshold {
			healthy = false
		}
	} else {
		p.fails = 0
		p.passes++
		if p.passes >= successThreshold {
			healthy = true
		}
	}
	p.result.Store(&probeResult{healthy: healthy, err: err})
}

func (p *probe) loop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.run(ctx)
		}
	}
}

type probeSet struct {
	mu     sync.RWMutex
	probes []*probe
}

func (s *probeSet) add(p *probe) {
	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()
}

func (s *probeSet) snapshot() []*probe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.probes)
}

// failures maps unhealthy check names to their last error.
func (s *probeSet) failures() map[string]string {
	out := make(map[string]string)
	for _, p := range s.snapshot() {
		st := p.state()
		if st.healthy {
			continue
		}
		msg := "check is unhealthy"
		if st.err != nil {
			msg = st.err.Error()
		}
		out[p.name] = msg
	}
	return out
}

// Health owns the liveness and readiness checks.
type Health struct {
	ready     atomic.Bool
	liveness  probeSet
	readiness probeSet

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check whose failure means the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.liveness.add(newProbe(name, timeout, check))
}

// AddReadinessCheck registers a dependency the service needs to take
// traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.readiness.add(newProbe(name, timeout, check))
}

// Start runs every registered check each interval until Stop or ctx ends.
// Register checks before calling it.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	h.mu.Unlock()

	for _, p := range append(h.liveness.snapshot(), h.readiness.snapshot()...) {
		go p.loop(ctx, interval)
	}
}

// Stop ends the check goroutines. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady marks the service ready after startup, or unready on shutdown so
// load balancers drain it.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports SetReady(true) with every readiness check passing.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.readiness.failures()) == 0
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.liveness.failures())
}

// ReadyEndpoint serves /readyz. A service that has not called SetReady(true)
// is reported under the "_readiness" check.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.readiness.failures()
	if !h.ready.Load() {
		failures[notReadyCheck] = "service is not ready"
	}
	writeStatus(w, failures)
}

// writeStatus writes {"status":"ok"} with 200, or 503 with
// {"status":"unhealthy","checks":{name: error}} sorted by name.
func writeStatus(w http.ResponseWriter, failures map[string]string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	code := http.StatusOK
	e.ObjStart()
	e.FieldStart("status")
	if len(failures) == 0 {
		e.Str("ok")
	} else {
		code = http.StatusServiceUnavailable
		e.Str("unhealthy")
		e.FieldStart("checks")
		e.ObjStart()
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failures[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
