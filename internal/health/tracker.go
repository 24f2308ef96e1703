// Package health tracks per-transport liveness with a circuit breaker and
// decides the ordering in which transports are attempted. State is
// process-local: each process hosting a coordinator learns transport health
// independently, trading global consistency for fast local adaptation.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
)

// Config holds the breaker tunables, environment-supplied.
type Config struct {
	// FailureThreshold is the number of failures within RollingWindow that
	// trips a CLOSED breaker to OPEN.
	FailureThreshold int
	// RollingWindow bounds the failure and error-rate samples considered.
	RollingWindow time.Duration
	// RecoveryTimeout is how long an OPEN breaker waits before allowing a
	// single HALF_OPEN probe.
	RecoveryTimeout time.Duration
	// LatencySamples caps the rolling latency ring per protocol.
	LatencySamples int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RollingWindow:    30 * time.Second,
		RecoveryTimeout:  15 * time.Second,
		LatencySamples:   32,
	}
}

type sample struct {
	at time.Time
	ok bool
}

type protocolHealth struct {
	state     domain.CircuitState
	openedAt  time.Time
	lastCheck time.Time
	probing   bool            // a HALF_OPEN probe is in flight
	outcomes  []sample        // rolling success/failure samples
	latencies []time.Duration // ring, newest at the end
}

// Tracker is the per-process health singleton, constructed explicitly and
// injected into the coordinator.
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	protos map[domain.Protocol]*protocolHealth
}

// defaultOrder is the baseline transport preference: cheapest first.
var defaultOrder = []domain.Protocol{
	domain.ProtocolDirect,
	domain.ProtocolWebSocket,
	domain.ProtocolQueue,
}

// NewTracker creates a tracker covering the three transports.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = DefaultConfig().RollingWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = DefaultConfig().LatencySamples
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		protos: make(map[domain.Protocol]*protocolHealth, len(defaultOrder)),
	}
	for _, p := range defaultOrder {
		t.protos[p] = &protocolHealth{state: domain.CircuitClosed}
	}
	return t
}

// SetConfig applies new breaker tunables at runtime. Zero-valued fields
// keep their current setting; breaker states and samples carry over.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cfg.FailureThreshold > 0 {
		t.cfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.RollingWindow > 0 {
		t.cfg.RollingWindow = cfg.RollingWindow
	}
	if cfg.RecoveryTimeout > 0 {
		t.cfg.RecoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.LatencySamples > 0 {
		t.cfg.LatencySamples = cfg.LatencySamples
	}
}

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// RecordSuccess notes a successful attempt and its latency. A HALF_OPEN
// probe that succeeds closes the breaker.
func (t *Tracker) RecordSuccess(p domain.Protocol, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.protos[p]
	if !ok {
		return
	}
	now := t.now()
	ph.lastCheck = now
	ph.probing = false
	ph.outcomes = append(ph.outcomes, sample{at: now, ok: true})
	t.prune(ph, now)

	ph.latencies = append(ph.latencies, latency)
	if len(ph.latencies) > t.cfg.LatencySamples {
		ph.latencies = ph.latencies[len(ph.latencies)-t.cfg.LatencySamples:]
	}

	if ph.state != domain.CircuitClosed {
		t.logger.Info("circuit breaker closed",
			slog.String("protocol", string(p)),
			slog.String("from", string(ph.state)))
		ph.state = domain.CircuitClosed
		ph.outcomes = ph.outcomes[:0]
	}
}

// RecordFailure notes a failed attempt. Crossing the failure threshold
// within the rolling window trips the breaker; a failed HALF_OPEN probe
// reopens it immediately.
func (t *Tracker) RecordFailure(p domain.Protocol) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.protos[p]
	if !ok {
		return
	}
	now := t.now()
	ph.lastCheck = now
	ph.probing = false
	ph.outcomes = append(ph.outcomes, sample{at: now, ok: false})
	t.prune(ph, now)

	switch ph.state {
	case domain.CircuitHalfOpen:
		ph.state = domain.CircuitOpen
		ph.openedAt = now
		t.logger.Warn("circuit breaker reopened after failed probe",
			slog.String("protocol", string(p)))
	case domain.CircuitClosed:
		if t.failures(ph) >= t.cfg.FailureThreshold {
			ph.state = domain.CircuitOpen
			ph.openedAt = now
			t.logger.Warn("circuit breaker opened",
				slog.String("protocol", string(p)),
				slog.Int("failures", t.failures(ph)),
				slog.Duration("window", t.cfg.RollingWindow))
		}
	}
}

// Status returns the live snapshot for one protocol. An OPEN breaker whose
// recovery timeout has elapsed is promoted to HALF_OPEN here, so the next
// attempt flows through as the probe.
func (t *Tracker) Status(p domain.Protocol) domain.ProtocolHealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(p)
}

// Statuses returns snapshots for every tracked protocol in default order.
func (t *Tracker) Statuses() []domain.ProtocolHealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.ProtocolHealthStatus, 0, len(defaultOrder))
	for _, p := range defaultOrder {
		out = append(out, t.statusLocked(p))
	}
	return out
}

// Ordered returns the transports in attempt order for a request. Hints
// promote a transport to the front (unless its breaker is OPEN); protocols
// with OPEN breakers sink to the tail but are never dropped entirely, so a
// request still has a last-resort path when everything else is down.
func (t *Tracker) Ordered(req *domain.NormalizedRequest) []domain.Protocol {
	t.mu.Lock()
	defer t.mu.Unlock()

	order := make([]domain.Protocol, len(defaultOrder))
	copy(order, defaultOrder)

	switch {
	case req != nil && req.RequiresReliability:
		order = promote(order, domain.ProtocolQueue)
	case req != nil && req.RequiresRealTime:
		if t.effectiveState(t.protos[domain.ProtocolWebSocket]) != domain.CircuitOpen {
			order = promote(order, domain.ProtocolWebSocket)
		}
	}

	// Stable partition: available breakers first, OPEN ones last.
	avail := make([]domain.Protocol, 0, len(order))
	open := make([]domain.Protocol, 0, len(order))
	for _, p := range order {
		if t.effectiveState(t.protos[p]) == domain.CircuitOpen {
			open = append(open, p)
		} else {
			avail = append(avail, p)
		}
	}
	return append(avail, open...)
}

// Admit reports whether an attempt on p may proceed right now. A HALF_OPEN
// breaker admits exactly one probe at a time; the slot frees when the
// probe's outcome is recorded. CLOSED breakers always admit, and OPEN ones
// do too, since ordering has already sunk them to the last-resort tail.
func (t *Tracker) Admit(p domain.Protocol) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ph, ok := t.protos[p]
	if !ok {
		return true
	}
	if t.effectiveState(ph) != domain.CircuitHalfOpen {
		return true
	}
	if ph.state == domain.CircuitOpen {
		ph.state = domain.CircuitHalfOpen
		t.logger.Info("circuit breaker half-open",
			slog.String("protocol", string(p)))
	}
	if ph.probing {
		return false
	}
	ph.probing = true
	return true
}

// Run periodically re-evaluates breaker states so OPEN->HALF_OPEN
// promotions happen (and get logged) even when no requests are flowing.
// Blocks until the context is canceled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range defaultOrder {
				st := t.Status(p)
				if st.CircuitState != domain.CircuitClosed {
					t.logger.Info("transport degraded",
						slog.String("protocol", string(p)),
						slog.String("state", string(st.CircuitState)),
						slog.Float64("error_rate", st.ErrorRate))
				}
			}
		}
	}
}

func (t *Tracker) statusLocked(p domain.Protocol) domain.ProtocolHealthStatus {
	ph, ok := t.protos[p]
	if !ok {
		return domain.ProtocolHealthStatus{Protocol: p, CircuitState: domain.CircuitClosed, Healthy: true}
	}

	now := t.now()
	t.prune(ph, now)

	st := t.effectiveState(ph)
	if st == domain.CircuitHalfOpen && ph.state == domain.CircuitOpen {
		ph.state = domain.CircuitHalfOpen
		t.logger.Info("circuit breaker half-open",
			slog.String("protocol", string(p)))
	}

	return domain.ProtocolHealthStatus{
		Protocol:     p,
		Healthy:      st == domain.CircuitClosed,
		Latency:      avg(ph.latencies),
		LastCheck:    ph.lastCheck,
		ErrorRate:    t.errorRate(ph),
		CircuitState: st,
	}
}

// effectiveState accounts for the recovery timeout without mutating.
func (t *Tracker) effectiveState(ph *protocolHealth) domain.CircuitState {
	if ph == nil {
		return domain.CircuitClosed
	}
	if ph.state == domain.CircuitOpen && t.now().Sub(ph.openedAt) >= t.cfg.RecoveryTimeout {
		return domain.CircuitHalfOpen
	}
	return ph.state
}

func (t *Tracker) prune(ph *protocolHealth, now time.Time) {
	cutoff := now.Add(-t.cfg.RollingWindow)
	i := 0
	for i < len(ph.outcomes) && ph.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		ph.outcomes = ph.outcomes[i:]
	}
}

func (t *Tracker) failures(ph *protocolHealth) int {
	n := 0
	for _, s := range ph.outcomes {
		if !s.ok {
			n++
		}
	}
	return n
}

func (t *Tracker) errorRate(ph *protocolHealth) float64 {
	if len(ph.outcomes) == 0 {
		return 0
	}
	return float64(t.failures(ph)) / float64(len(ph.outcomes))
}

func avg(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func promote(order []domain.Protocol, p domain.Protocol) []domain.Protocol {
	out := make([]domain.Protocol, 0, len(order))
	out = append(out, p)
	for _, q := range order {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}
