package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/mcp-broker/internal/broker/config"
	"github.com/relaylabs/mcp-broker/internal/broker/queue"
	"github.com/relaylabs/mcp-broker/internal/broker/runner"
	"github.com/relaylabs/mcp-broker/internal/broker/sessionbus"
	"github.com/relaylabs/mcp-broker/internal/broker/storage"
	"github.com/relaylabs/mcp-broker/internal/broker/wakebus"
)

// SecretsStore resolves deployment-configured connection secrets; the broker
// consumes it as a collaborator and never persists secrets itself
type SecretsStore interface {
	// DeploymentHeaders returns the headers configured for an external
	// variant's connection, such as authorization
	DeploymentHeaders(ctx context.Context, variantID string) (map[string]string, error)
}

// NoSecrets is a SecretsStore with no configured secrets
type NoSecrets struct{}

// DeploymentHeaders returns no headers
func (NoSecrets) DeploymentHeaders(ctx context.Context, variantID string) (map[string]string, error) {
	return nil, nil
}

// EnvSecrets resolves deployment headers from the environment: the variable
// named Prefix followed by the variant id holds a JSON object of headers
type EnvSecrets struct {
	Prefix string
}

// DeploymentHeaders decodes the variant's header object, if configured
func (s EnvSecrets) DeploymentHeaders(ctx context.Context, variantID string) (map[string]string, error) {
	raw := os.Getenv(s.Prefix + variantID)
	if raw == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("decode headers for variant %s: %w", variantID, err)
	}
	return headers, nil
}

// errAlreadyServed marks a provisioning job whose session already has a live
// run; the job completes without doing anything
var errAlreadyServed = errors.New("session already served")

// startJob is the payload of a run provisioning job
type startJob struct {
	SessionID string `json:"sessionId"`
	VariantID string `json:"variantId"`
}

// RunDispatchDeps carries the collaborators run dispatch is wired with
type RunDispatchDeps struct {
	Store         storage.Store
	PubSub        wakebus.PubSub
	Locker        sessionbus.Locker
	Secrets       SecretsStore
	Adapters      *runner.Registry
	Managers      *ManagerRegistry
	BrokerManager *runner.BrokerManager
	Reporter      ErrorReporter
	Logger        *slog.Logger
	Config        config.DispatchConfig
	RunConfig     config.RunConfig
}

// RunDispatch decides, per session, whether to start an external or hosted
// run, and routes the provisioning work through deduplicated queues: one
// bounded-concurrency queue for external connections, one queue per runner
// for hosted starts.
type RunDispatch struct {
	deps RunDispatchDeps

	external *queue.Queue

	mu      sync.Mutex
	hosted  map[string]*queue.Queue
	stopped bool
}

// NewRunDispatch creates the dispatcher and starts the external queue
func NewRunDispatch(deps RunDispatchDeps) *RunDispatch {
	d := &RunDispatch{
		deps: deps,
		external: queue.New("external-runs", queue.Config{
			Concurrency: deps.Config.ExternalConcurrency,
			MaxAttempts: 1,
		}, deps.Logger),
		hosted: make(map[string]*queue.Queue),
	}
	d.external.Process(d.processExternal)
	return d
}

// EnsureRun makes sure the session has a backing run, submitting a
// provisioning job when none is active. Submission is deduplicated by
// session id, so concurrent ensures collapse.
func (d *RunDispatch) EnsureRun(ctx context.Context, sessionID string) error {
	if _, ok := d.deps.Managers.GetBySession(sessionID); ok {
		return nil
	}
	if _, err := d.deps.Store.GetActiveRun(ctx, sessionID); err == nil {
		// A run record is active but no local manager owns it; fall through
		// and let job deduplication sort out the race.
		d.deps.Logger.DebugContext(ctx, "Active run without local manager", "session_id", sessionID)
	}

	session, err := d.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	variant, err := d.deps.Store.GetVariant(ctx, session.VariantID)
	if err != nil {
		return fmt.Errorf("load variant %s: %w", session.VariantID, err)
	}

	job := startJob{SessionID: sessionID, VariantID: variant.ID}
	switch variant.Type {
	case storage.RunTypeExternal:
		if _, err := d.external.Add(ctx, sessionID, job); err != nil {
			return fmt.Errorf("enqueue external run: %w", err)
		}
	case storage.RunTypeHosted:
		if variant.RunnerID == "" {
			return fmt.Errorf("variant %s has no assigned runner", variant.ID)
		}
		q := d.runnerQueue(variant.RunnerID)
		if _, err := q.Add(ctx, sessionID, job); err != nil {
			return fmt.Errorf("enqueue hosted run: %w", err)
		}
	default:
		return fmt.Errorf("unknown variant type %q", variant.Type)
	}
	return nil
}

// runnerQueue returns the dedicated start queue for a runner, creating and
// starting it on first use
func (d *RunDispatch) runnerQueue(runnerID string) *queue.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.hosted[runnerID]
	if !ok {
		q = queue.New("runner-"+runnerID, queue.Config{
			Concurrency: d.deps.Config.RunnerConcurrency,
			MaxAttempts: 1,
		}, d.deps.Logger)
		q.Process(d.processHosted)
		d.hosted[runnerID] = q
	}
	return q
}

// processExternal provisions one external run and holds the queue slot until
// the run finishes, so queue concurrency bounds live external connections
func (d *RunDispatch) processExternal(ctx context.Context, job *queue.Job) error {
	var payload startJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	session, variant, err := d.loadRunContext(ctx, payload)
	if errors.Is(err, errAlreadyServed) {
		return nil
	}
	if err != nil {
		return err
	}

	run := &storage.ServerRun{
		ID:        "run_" + uuid.NewString(),
		SessionID: session.ID,
		VariantID: variant.ID,
		Type:      storage.RunTypeExternal,
		Status:    storage.RunStatusActive,
	}
	if err := d.deps.Store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run record: %w", err)
	}

	headers, err := d.deps.Secrets.DeploymentHeaders(ctx, variant.ID)
	if err != nil {
		d.deps.Reporter.Report(ctx, err, "op", "load_deployment_headers", "variant_id", variant.ID)
	}

	adapter, err := runner.NewExternal(ctx, runner.ExternalConfig{
		URL:       variant.URL,
		RunID:     run.ID,
		UserAgent: "mcp-broker/" + variant.ID,
		Headers:   headers,
	}, d.deps.Adapters, d.deps.Logger)
	if err != nil {
		d.failRun(ctx, run.ID)
		return fmt.Errorf("connect external run: %w", err)
	}

	manager, err := d.startManager(ctx, run, session, variant, adapter)
	if err != nil {
		adapter.Close()
		d.failRun(ctx, run.ID)
		return err
	}

	// Await teardown; external connections live as long as the job does.
	select {
	case <-manager.Done():
	case <-ctx.Done():
		manager.Close(context.Background())
		<-manager.Done()
	}
	return nil
}

// processHosted asks the assigned runner to start the run. Jobs that sat in
// the queue past the staleness bound are discarded; the requesting client has
// long since re-ensured.
func (d *RunDispatch) processHosted(ctx context.Context, job *queue.Job) error {
	if age := time.Since(job.EnqueuedAt); age > d.deps.Config.HostedJobMaxAge {
		d.deps.Logger.WarnContext(ctx, "Discarding stale hosted start job",
			"job_id", job.ID,
			"age", age,
		)
		return nil
	}

	var payload startJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	session, variant, err := d.loadRunContext(ctx, payload)
	if errors.Is(err, errAlreadyServed) {
		return nil
	}
	if err != nil {
		return err
	}

	run := &storage.ServerRun{
		ID:        "run_" + uuid.NewString(),
		SessionID: session.ID,
		VariantID: variant.ID,
		RunnerID:  variant.RunnerID,
		Type:      storage.RunTypeHosted,
		Status:    storage.RunStatusActive,
	}
	if err := d.deps.Store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run record: %w", err)
	}

	adapter, err := d.deps.BrokerManager.StartRun(ctx, variant.RunnerID, runner.StartParams{
		RunID:     run.ID,
		VersionID: variant.VersionID,
		Token:     uuid.NewString(),
		ServerURL: variant.URL,
	})
	if err != nil {
		d.failRun(ctx, run.ID)
		return fmt.Errorf("start hosted run: %w", err)
	}

	if _, err := d.startManager(ctx, run, session, variant, adapter); err != nil {
		adapter.Close()
		d.failRun(ctx, run.ID)
		return err
	}
	return nil
}

func (d *RunDispatch) loadRunContext(ctx context.Context, payload startJob) (*storage.Session, *storage.ServerVariant, error) {
	session, err := d.deps.Store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", payload.SessionID, err)
	}
	if session.Stopped {
		return nil, nil, fmt.Errorf("session %s is stopped", session.ID)
	}
	variant, err := d.deps.Store.GetVariant(ctx, payload.VariantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load variant %s: %w", payload.VariantID, err)
	}
	if err := d.retireOrphanRun(ctx, session.ID); err != nil {
		return nil, nil, err
	}
	return session, variant, nil
}

// retireOrphanRun keeps the one-active-run-per-session invariant: a run
// record left active without a live manager is failed before a new run is
// created, and a session already served by a manager needs no new run.
func (d *RunDispatch) retireOrphanRun(ctx context.Context, sessionID string) error {
	active, err := d.deps.Store.GetActiveRun(ctx, sessionID)
	if err != nil {
		return nil
	}
	if _, owned := d.deps.Managers.Get(active.ID); owned {
		return errAlreadyServed
	}
	d.failRun(ctx, active.ID)
	return nil
}

func (d *RunDispatch) startManager(ctx context.Context, run *storage.ServerRun, session *storage.Session, variant *storage.ServerVariant, adapter runner.Adapter) (*RunManager, error) {
	manager, err := NewRunManager(ctx, run, session, variant, RunManagerDeps{
		Store:    d.deps.Store,
		PubSub:   d.deps.PubSub,
		Locker:   d.deps.Locker,
		Adapter:  adapter,
		Reporter: d.deps.Reporter,
		Logger:   d.deps.Logger,
		Config:   d.deps.RunConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("start run manager: %w", err)
	}
	d.deps.Managers.Register(manager)
	return manager, nil
}

func (d *RunDispatch) failRun(ctx context.Context, runID string) {
	if _, err := d.deps.Store.FailRun(ctx, runID, time.Now()); err != nil {
		d.deps.Reporter.Report(ctx, err, "op", "fail_run", "run_id", runID)
	}
}

// Stop drains the dispatch queues
func (d *RunDispatch) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	hosted := make([]*queue.Queue, 0, len(d.hosted))
	for _, q := range d.hosted {
		hosted = append(hosted, q)
	}
	d.mu.Unlock()

	d.external.Stop()
	for _, q := range hosted {
		q.Stop()
	}
}

var _ Dispatcher = (*RunDispatch)(nil)
