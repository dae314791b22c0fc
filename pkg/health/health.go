// Package health serves /livez and /readyz for the pharmacy API.
//
// Every probe runs on its own ticker. A probe flips to failing only after
// FailAfter consecutive errors and back to passing after PassAfter
// consecutive successes, so a single slow database ping does not pull the
// pod out of rotation.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind separates liveness probes from readiness probes.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// Probe describes a single registered check.
type Probe struct {
	Name      string
	Kind      Kind
	Timeout   time.Duration
	Check     CheckFunc
	FailAfter int
	PassAfter int
}

// probe is the runtime state of a Probe. Counters are touched only by the
// ticker goroutine; passing and lastErr are read by handlers.
type probe struct {
	Probe

	passing atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func (p *probe) observe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Check(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.FailAfter {
			p.passing.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.PassAfter {
		p.passing.Store(true)
	}
}

func (p *probe) reason() string {
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error()
	}
	return "check is failing"
}

// Health tracks probes and the manual ready flag.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New returns a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Register adds a probe. Zero thresholds default to FailAfter=3, PassAfter=1
// and a zero timeout defaults to one second. Probes start out passing.
func (h *Health) Register(p Probe) {
	if p.FailAfter <= 0 {
		p.FailAfter = 3
	}
	if p.PassAfter <= 0 {
		p.PassAfter = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = time.Second
	}
	st := &probe{Probe: p}
	st.passing.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, st)
	h.mu.Unlock()
}

// AddLivenessCheck registers a liveness probe with default thresholds.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.Register(Probe{Name: name, Kind: Liveness, Timeout: timeout, Check: check})
}

// AddReadinessCheck registers a readiness probe with default thresholds.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.Register(Probe{Name: name, Kind: Readiness, Timeout: timeout, Check: check})
}

// Start runs every probe immediately and then once per interval until ctx
// is done or Stop is called.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	probes := slices.Clone(h.probes)
	h.mu.Unlock()

	for _, p := range probes {
		go tick(ctx, p, interval)
	}
}

func tick(ctx context.Context, p *probe, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	p.observe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.observe(ctx)
		}
	}
}

// Stop halts the probe goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual ready flag. The server sets it after wiring and
// clears it at the start of graceful shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the ready flag is set and all readiness probes
// pass.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failing(Readiness)) == 0
}

// failing returns name -> reason for failing probes of kind k, sorted by
// registration order.
func (h *Health) failing(k Kind) []failure {
	h.mu.RLock()
	probes := slices.Clone(h.probes)
	h.mu.RUnlock()

	var out []failure
	for _, p := range probes {
		if p.Kind == k && !p.passing.Load() {
			out = append(out, failure{name: p.Name, reason: p.reason()})
		}
	}
	return out
}

type failure struct {
	name   string
	reason string
}

// Routes mounts /livez and /readyz on r.
func (h *Health) Routes(r chi.Router) {
	r.Get("/livez", h.LiveEndpoint)
	r.Get("/readyz", h.ReadyEndpoint)
}

// LiveEndpoint answers 200 {"status":"ok"} or 503 with the failing checks.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.failing(Liveness))
}

// ReadyEndpoint is LiveEndpoint for readiness probes plus the ready flag.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failing(Readiness)
	if !h.ready.Load() {
		failures = append(failures, failure{name: "_readiness", reason: "service is not ready"})
	}
	writeStatus(w, failures)
}

func writeStatus(w http.ResponseWriter, failures []failure) {
	var e jx.Encoder
	status := http.StatusOK
	e.Obj(func(e *jx.Encoder) {
		if len(failures) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		status = http.StatusServiceUnavailable
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, f := range failures {
					e.Field(f.name, func(e *jx.Encoder) { e.Str(f.reason) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
