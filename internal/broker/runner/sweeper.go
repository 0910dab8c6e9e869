package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
)

// Registry tracks live adapters so liveness sweeps can scan them. It is
// owned and injected rather than a package global so tests can drive it
// deterministically.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter keyed by run id
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.RunID()] = a
}

// Unregister removes the adapter for a run id
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, runID)
}

// Snapshot returns the current live adapters
func (r *Registry) Snapshot() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Len returns the number of live adapters
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Sweeper runs the two fixed-interval liveness sweeps over the registry:
// closing adapters that went quiet past the ping timeout, and sending pings
// to adapters that want them. One sweeper serves all adapters; timeouts are
// checked by sweep rather than per-adapter timers.
type Sweeper struct {
	registry *Registry
	cfg      config.SweepConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper over the registry
func NewSweeper(registry *Registry, cfg config.SweepConfig, logger *slog.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the stale and ping sweep loops
func (s *Sweeper) Start() {
	s.wg.Add(2)
	go s.staleLoop()
	go s.pingLoop()
}

// Stop halts both loops and waits for them
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) staleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.closeStale(time.Now())
		case <-s.ctx.Done():
			return
		}
	}
}

// closeStale closes every adapter that wants broker-driven liveness and has
// seen no traffic within the ping timeout
func (s *Sweeper) closeStale(now time.Time) {
	for _, a := range s.registry.Snapshot() {
		if !a.WantsPing() {
			continue
		}
		quiet := now.Sub(a.LastMessageAt())
		if quiet > s.cfg.PingTimeout {
			s.logger.Warn("Closing stale adapter",
				"run_id", a.RunID(),
				"quiet_for", quiet,
			)
			a.Close()
		}
	}
}

func (s *Sweeper) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pingAll()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Sweeper) pingAll() {
	for _, a := range s.registry.Snapshot() {
		if !a.WantsPing() {
			continue
		}
		go a.Ping(s.ctx)
	}
}
