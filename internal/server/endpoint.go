package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bootmaker/internal/cache"
	"bootmaker/internal/logging"
	"bootmaker/internal/planner"
	"bootmaker/internal/protocol"
	"bootmaker/internal/runner"
	"bootmaker/internal/system"
	"bootmaker/internal/systemcheck"
	"bootmaker/internal/version"
	"bootmaker/internal/worker"
)

// HealthCacheTTL is how long readiness checks and vitals are reused between probes.
const HealthCacheTTL = 5 * time.Second

var (
	// ErrBusy is returned when a workflow already occupies the endpoint.
	ErrBusy = errors.New("another workflow is already running")

	// ErrShuttingDown is returned for starts after Shutdown began.
	ErrShuttingDown = errors.New("endpoint is shutting down")
)

// Checker runs readiness checks.
type Checker interface {
	Run(ctx context.Context) []systemcheck.CheckResult
}

// VitalsFunc samples host resources.
type VitalsFunc func(ctx context.Context) (*system.Vitals, error)

// Endpoint owns the single workflow slot. At most one executor runs at a time.
type Endpoint struct {
	relay       *Relay
	planner     *planner.Planner
	runnerOpts  []runner.Option
	workerOpts  []worker.Option
	checks      Checker
	vitals      VitalsFunc
	healthCache *cache.Cache
	startedAt   time.Time
	newID       func() string
	logger      zerolog.Logger

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.Mutex
	active       *worker.Executor
	shuttingDown bool
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithPlanner sets the planner executors use.
func WithPlanner(p *planner.Planner) EndpointOption {
	return func(e *Endpoint) {
		e.planner = p
	}
}

// WithRunnerOptions passes options to every stage runner.
func WithRunnerOptions(opts ...runner.Option) EndpointOption {
	return func(e *Endpoint) {
		e.runnerOpts = append(e.runnerOpts, opts...)
	}
}

// WithWorkerOptions passes options to every executor.
func WithWorkerOptions(opts ...worker.Option) EndpointOption {
	return func(e *Endpoint) {
		e.workerOpts = append(e.workerOpts, opts...)
	}
}

// WithChecker sets the readiness checks reported by Health.
func WithChecker(c Checker) EndpointOption {
	return func(e *Endpoint) {
		e.checks = c
	}
}

// WithVitals sets the host sampler reported by Health.
func WithVitals(fn VitalsFunc) EndpointOption {
	return func(e *Endpoint) {
		e.vitals = fn
	}
}

// NewEndpoint creates an idle endpoint publishing through relay.
func NewEndpoint(relay *Relay, opts ...EndpointOption) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		relay:       relay,
		healthCache: cache.New(HealthCacheTTL),
		startedAt:   time.Now(),
		newID:       uuid.NewString,
		logger:      logging.Component("endpoint"),
		baseCtx:     ctx,
		stopAll:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.planner == nil {
		e.planner = planner.New()
	}
	return e
}

// StartWorkflow occupies the slot with a new executor for request and returns its id.
// Request validation happens in the executor; a rejected request ends in a result.
func (e *Endpoint) StartWorkflow(request protocol.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shuttingDown {
		return "", ErrShuttingDown
	}
	if e.active != nil {
		return "", fmt.Errorf("%w: %s", ErrBusy, e.active.ID())
	}

	id := e.newID()
	opts := append([]worker.Option{
		worker.WithPlanner(e.planner),
		worker.WithRunnerOptions(e.runnerOpts...),
	}, e.workerOpts...)
	executor := worker.New(id, request, e.relay.PublishProgress, opts...)
	e.active = executor

	e.logger.Info().
		Str("workflow_id", id).
		Str("kind", string(request.Kind)).
		Str("requester", request.RequesterIdentity).
		Msg("Workflow accepted")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result := executor.Run(e.baseCtx)
		e.finish(executor, result)
	}()
	return id, nil
}

// finish publishes the terminal result and frees the slot in one step, so no client can
// see the slot free before the result is queued.
func (e *Endpoint) finish(executor *worker.Executor, result protocol.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.relay.PublishResult(result)
	if e.active == executor {
		e.active = nil
	}
}

// CancelWorkflow cancels the running workflow if its id matches. It is idempotent.
func (e *Endpoint) CancelWorkflow(id string) protocol.CancelStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil || e.active.ID() != id {
		return protocol.CancelNotFound
	}
	e.active.Cancel()
	return protocol.CancelAcknowledged
}

// Active returns the running workflow id, or "".
func (e *Endpoint) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return ""
	}
	return e.active.ID()
}

// Health answers the liveness probe. It never waits for the running workflow.
func (e *Endpoint) Health(ctx context.Context) protocol.Health {
	health := protocol.Health{
		OK:        true,
		Version:   version.Version,
		StartedAt: e.startedAt,
		Uptime:    time.Since(e.startedAt).Round(time.Second).String(),
	}

	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active != nil {
		snap := active.Snapshot()
		health.Active = &snap
	}

	health.Ready = true
	if e.checks != nil {
		value, _ := e.healthCache.GetOrLoad("checks", func() (any, error) {
			return e.checks.Run(ctx), nil
		})
		results := value.([]systemcheck.CheckResult)
		health.Ready = systemcheck.Passed(results)
		for _, r := range results {
			health.Checks = append(health.Checks, protocol.Check{
				ID:      r.ID,
				Name:    r.Name,
				OK:      r.OK(),
				Message: r.Message,
			})
		}
	}

	if e.vitals != nil {
		value, err := e.healthCache.GetOrLoad("vitals", func() (any, error) {
			return e.vitals(ctx)
		})
		if err != nil {
			e.logger.Debug().Err(err).Msg("Vitals unavailable")
		} else {
			v := value.(*system.Vitals)
			health.Vitals = &protocol.Vitals{
				CPUPercent:  v.CPUPercent,
				MemPercent:  v.MemPercent,
				DiskPercent: v.DiskPercent,
				HostUptime:  v.HostUptime,
			}
		}
	}

	return health
}

// Shutdown refuses new workflows, interrupts the running one and waits for its result
// to be published or ctx to expire.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shuttingDown = true
	active := e.active
	e.mu.Unlock()

	if active != nil {
		e.logger.Warn().Str("workflow_id", active.ID()).Msg("Interrupting workflow for shutdown")
	}
	e.stopAll()
	defer e.healthCache.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workflow to stop: %w", ctx.Err())
	}
}
