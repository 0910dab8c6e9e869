package config

import "time"

// RunConfig holds configuration for run manager lifecycle bounds
type RunConfig struct {
	// IdleTimeout closes a run that has seen no client request for this long
	IdleTimeout time.Duration
	// MaxAge closes a run once its lifetime since start exceeds this bound
	MaxAge time.Duration
	// StorePingInterval is how often run liveness is recorded on the store
	StorePingInterval time.Duration
	// RepullInterval is how often pending messages are re-pulled absent wakes
	RepullInterval time.Duration
}

// DefaultRunConfig returns default configuration for run managers
func DefaultRunConfig() RunConfig {
	return RunConfig{
		IdleTimeout:       DefaultIdleTimeout,
		MaxAge:            DefaultMaxRunAge,
		StorePingInterval: DefaultStorePingInterval,
		RepullInterval:    DefaultRepullInterval,
	}
}

// SweepConfig holds configuration for the adapter liveness sweeper
type SweepConfig struct {
	// StaleInterval is how often adapters are checked against PingTimeout
	StaleInterval time.Duration
	// PingTimeout is the max quiet period before an adapter is closed
	PingTimeout time.Duration
	// PingInterval is how often pings go out to adapters that want them
	PingInterval time.Duration
}

// DefaultSweepConfig returns default configuration for the sweeper
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		StaleInterval: DefaultStaleSweepInterval,
		PingTimeout:   DefaultPingTimeout,
		PingInterval:  DefaultPingSendInterval,
	}
}

// DispatchConfig holds configuration for run dispatch queues
type DispatchConfig struct {
	// EnsureDebounce is the per-session provisioning debounce window
	EnsureDebounce time.Duration
	// HostedJobMaxAge discards hosted start jobs older than this at dequeue
	HostedJobMaxAge time.Duration
	// ExternalConcurrency bounds concurrent external run connections
	ExternalConcurrency int
	// RunnerConcurrency bounds concurrent hosted starts per runner queue
	RunnerConcurrency int
}

// DefaultDispatchConfig returns default configuration for run dispatch
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		EnsureDebounce:      DefaultEnsureDebounce,
		HostedJobMaxAge:     DefaultHostedJobMaxAge,
		ExternalConcurrency: DefaultExternalRunConcurrency,
		RunnerConcurrency:   DefaultRunnerQueueConcurrency,
	}
}

// DiscoveryConfig holds configuration for capability discovery pagination
type DiscoveryConfig struct {
	// MaxPages caps how many list pages are fetched per capability
	MaxPages int
	// MaxItems stops pagination once this many items are collected
	MaxItems int
}

// DefaultDiscoveryConfig returns default configuration for discovery
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MaxPages: DefaultDiscoveryMaxPages,
		MaxItems: DefaultDiscoveryMaxItems,
	}
}
