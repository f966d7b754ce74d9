// Package connectivity tracks whether the backend is reachable. It probes the
// health endpoint on an interval, publishes online/offline transitions to
// subscribers (the dispatcher flushes on an offline-to-online edge), and
// summarizes outbox pressure so a till can surface "sync stalled" when ops
// have waited too long.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/tillworks/tillsync/internal/outbox"
)

// Prober answers whether the backend responded to a health check.
// *dispatch.Client satisfies it.
type Prober interface {
	Health(ctx context.Context) bool
}

// Logger is the narrow logging surface the monitor needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Config tunes the monitor. Zero values get defaults.
type Config struct {
	ProbeInterval time.Duration // default 10s
	StallAfter    time.Duration // oldest-pending age that counts as stalled, default 2m
	Logger        Logger
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

// Status is a point-in-time sync health summary.
type Status struct {
	Online       bool
	Pending      int
	OldestAge    time.Duration
	Stalled      bool
	LastProbedAt time.Time
}

type Monitor struct {
	prober Prober
	store  outbox.Store
	cfg    Config

	mu       sync.Mutex
	online   bool
	probedAt time.Time
	subs     map[int]chan bool
	nextSub  int
}

func New(prober Prober, store outbox.Store, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		prober: prober,
		store:  store,
		cfg:    cfg,
		subs:   map[int]chan bool{},
	}
}

// Online reports the last observed reachability. False until the first
// successful probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel carrying online/offline transitions and a
// cancel func. Transitions are delivered best-effort; a full subscriber
// buffer drops the older edge, and Online() always has the current value.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan bool, 4)
	m.subs[id] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Run probes until ctx is cancelled. The first probe fires immediately.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks the backend once and publishes a transition if reachability
// changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval)
	online := m.prober.Health(probeCtx)
	cancel()

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.probedAt = time.Now()
	var targets []chan bool
	if changed {
		for _, ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()

	if changed {
		if online {
			m.cfg.Logger.Printf("connectivity: backend reachable")
		} else {
			m.cfg.Logger.Printf("connectivity: backend unreachable")
		}
		for _, ch := range targets {
			select {
			case ch <- online:
			default:
			}
		}
	}
	return online
}

// Status summarizes reachability and outbox pressure.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	status := Status{Online: m.online, LastProbedAt: m.probedAt}
	m.mu.Unlock()

	pending, err := m.store.Count(ctx, outbox.StatePending)
	if err != nil {
		return Status{}, err
	}
	inFlight, err := m.store.Count(ctx, outbox.StateInFlight)
	if err != nil {
		return Status{}, err
	}
	status.Pending = pending + inFlight

	age, ok, err := m.store.OldestPendingAge(ctx, time.Now())
	if err != nil {
		return Status{}, err
	}
	if ok {
		status.OldestAge = age
		status.Stalled = age >= m.cfg.StallAfter
	}
	return status, nil
}
