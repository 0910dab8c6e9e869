package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
)

// ManagerRegistry tracks live run managers so the expiry sweep can scan them
type ManagerRegistry struct {
	mu       sync.RWMutex
	managers map[string]*RunManager
}

// NewManagerRegistry creates an empty run manager registry
func NewManagerRegistry() *ManagerRegistry {
	return &ManagerRegistry{managers: make(map[string]*RunManager)}
}

// Register adds a manager keyed by run id; the manager unregisters itself
// once its done channel closes
func (r *ManagerRegistry) Register(m *RunManager) {
	r.mu.Lock()
	r.managers[m.RunID()] = m
	r.mu.Unlock()

	go func() {
		<-m.Done()
		r.mu.Lock()
		delete(r.managers, m.RunID())
		r.mu.Unlock()
	}()
}

// Get returns the live manager for a run id
func (r *ManagerRegistry) Get(runID string) (*RunManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[runID]
	return m, ok
}

// GetBySession returns the live manager serving a session
func (r *ManagerRegistry) GetBySession(sessionID string) (*RunManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.managers {
		if m.SessionID() == sessionID {
			return m, true
		}
	}
	return nil, false
}

// Snapshot returns the current live managers
func (r *ManagerRegistry) Snapshot() []*RunManager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunManager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// Len returns the number of live managers
func (r *ManagerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// ExpirySweeper closes run managers that passed their idle or max-age bound.
// Expiry is checked by fixed-interval sweep rather than per-run timers, so a
// run that keeps receiving server traffic but no client requests still
// expires on schedule.
type ExpirySweeper struct {
	registry *ManagerRegistry
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExpirySweeper creates a sweeper over the manager registry
func NewExpirySweeper(registry *ManagerRegistry, logger *slog.Logger) *ExpirySweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &ExpirySweeper{
		registry: registry,
		interval: config.DefaultExpirySweepInterval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the expiry sweep loop
func (s *ExpirySweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it
func (s *ExpirySweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *ExpirySweeper) sweep(now time.Time) {
	for _, m := range s.registry.Snapshot() {
		if expired, reason := m.Expired(now); expired {
			s.logger.Info("Closing expired run",
				"run_id", m.RunID(),
				"session_id", m.SessionID(),
				"reason", reason,
			)
			m.Close(s.ctx)
		}
	}
}
