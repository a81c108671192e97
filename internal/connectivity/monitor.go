package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe reports whether the remote service is currently reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe builds a Probe that issues a HEAD request against baseURL with a
// short timeout. Any HTTP response, whatever the status, counts as reachable;
// only transport-level failure means offline.
func HTTPProbe(baseURL string) Probe {
	client := &http.Client{}
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// Monitor tracks reachability and notifies subscribers on every transition.
// It starts optimistic (online) until the first probe says otherwise, the
// same best-known default the platform online flag gives a browser client.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor polling probe every interval (default 15s).
func New(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   slog.Default(),
		online:   true,
		subs:     make(map[int]func(bool)),
	}
}

// IsOnline returns the current best-known reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback invoked with the new state on every
// transition. The returned function unsubscribes; calling it more than once
// is harmless and affects no other subscriber.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline records a reachability observation, notifying subscribers only
// when the state actually changed. Exposed so hosts with their own signal
// source (and tests) can drive the monitor directly.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	// Copy under lock so a callback can unsubscribe without deadlocking.
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// Start launches the probe loop. It observes once immediately so the state
// is meaningful before the first interval elapses.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.SetOnline(m.probe(ctx))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetOnline(m.probe(ctx))
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit. Safe to call when the
// monitor was never started.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}
