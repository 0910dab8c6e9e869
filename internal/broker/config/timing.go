package config

import "time"

// Default timing configurations used throughout the broker
const (
	// DefaultIdleTimeout is how long a run may go without a client request
	// before it is closed
	DefaultIdleTimeout = 30 * time.Second

	// DefaultMaxRunAge is the total lifetime bound for a server run
	DefaultMaxRunAge = 60 * time.Minute

	// DefaultExpirySweepInterval is how often run idle/max-age bounds are checked
	DefaultExpirySweepInterval = 10 * time.Second

	// DefaultStaleSweepInterval is how often adapters are checked for ping timeout
	DefaultStaleSweepInterval = 10 * time.Second

	// DefaultPingTimeout is how long an adapter may go without any traffic
	// before the stale sweep closes it
	DefaultPingTimeout = 50 * time.Second

	// DefaultPingSendInterval is how often pings are sent to live adapters
	DefaultPingSendInterval = 15 * time.Second

	// DefaultStorePingInterval is how often a run manager records liveness
	// on its server run record
	DefaultStorePingInterval = 30 * time.Second

	// DefaultRepullInterval is how often pending messages are re-pulled as a
	// backstop for missed or degraded wake signals
	DefaultRepullInterval = 2 * time.Second

	// DefaultEnsureDebounce is the window within which repeated ensure-runner
	// calls for the same session do not resubmit provisioning
	DefaultEnsureDebounce = 5 * time.Second

	// DefaultOneOffGrace is how long a consumed one-off correlation id stays
	// registered after its response resolves
	DefaultOneOffGrace = 5 * time.Second

	// DefaultHostedJobMaxAge is how old a hosted start job may be when
	// dequeued before it is discarded as stale
	DefaultHostedJobMaxAge = 15 * time.Second
)

// Default size limits
const (
	// DefaultPullBatchLimit caps how many messages one pull returns
	DefaultPullBatchLimit = 1000

	// DefaultDiscoveryMaxPages caps capability discovery pagination
	DefaultDiscoveryMaxPages = 20

	// DefaultDiscoveryMaxItems stops capability discovery once this many
	// items have been collected
	DefaultDiscoveryMaxItems = 100

	// DefaultExternalRunConcurrency bounds concurrent external run connections
	DefaultExternalRunConcurrency = 32

	// DefaultRunnerQueueConcurrency bounds concurrent hosted starts per runner
	DefaultRunnerQueueConcurrency = 8
)
