// Package outbox implements the transactional outbox pattern: durable,
// at-least-once record delivery with per-key ordering, horizontally
// scaled across a fixed 256-partition ring via decentralized, leaderless
// rebalancing.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/namastack/outbox-go/internal/coordinator"
	"github.com/namastack/outbox-go/internal/hashing"
	"github.com/namastack/outbox-go/internal/lifecycle"
	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/retrypolicy"
	"github.com/namastack/outbox-go/internal/scheduler"
	"github.com/namastack/outbox-go/internal/store"
	"github.com/namastack/outbox-go/outboxmetrics"
)

// Status is the lifecycle state of a record.
type Status = model.RecordStatus

const (
	StatusNew       = model.RecordNew
	StatusCompleted = model.RecordCompleted
	StatusFailed    = model.RecordFailed
)

// Record is one outbox entry (section 4.3's OutboxRecord, aliased so
// external callers never import internal/model directly).
type Record = model.OutboxRecord

// Metadata accompanies every handler invocation (section 6.3).
type Metadata = scheduler.Metadata

// HandlerFunc processes one record's payload. A non-nil error marks the
// attempt a failure, subject to the handler's RetryPolicy.
type HandlerFunc = scheduler.HandlerFunc

// RetryPolicy decides whether and how long to wait before retrying a
// failed handler invocation (section 4.8).
type RetryPolicy = retrypolicy.Policy

// RetryFilter optionally narrows which errors a RetryPolicy considers
// retryable at all.
type RetryFilter = retrypolicy.Filter

// NewFixedRetryPolicy returns a Policy that always waits delay between
// attempts, up to maxRetries failures.
func NewFixedRetryPolicy(delay time.Duration, maxRetries int, filter RetryFilter) RetryPolicy {
	return retrypolicy.NewFixedPolicy(delay, maxRetries, filter)
}

// NewExponentialRetryPolicy returns a Policy following
// delay = min(initialDelay * multiplier^(n-1), maxDelay).
func NewExponentialRetryPolicy(initialDelay, maxDelay time.Duration, multiplier float64, maxRetries int, filter RetryFilter) RetryPolicy {
	return retrypolicy.NewExponentialPolicy(initialDelay, maxDelay, multiplier, maxRetries, filter)
}

// NewJitteredRetryPolicy wraps base, adding up to jitter of extra random
// delay to every computed delay.
func NewJitteredRetryPolicy(base RetryPolicy, jitter time.Duration) RetryPolicy {
	return retrypolicy.NewJitteredPolicy(base, jitter)
}

// Serializer is the payload (de)serialization extension point (section
// 6.3). Implementations are supplied by the host application; this
// module never inspects payload bytes itself.
type Serializer interface {
	Serialize(v any) (string, error)
	Deserialize(data string, typeHint string) (any, error)
}

// PartitionOf returns the fixed partition (0..255) a record key hashes
// to (section 4.1).
func PartitionOf(key string) int { return hashing.PartitionOf(key) }

// handlerRegistration pairs a handler with the policy governing its
// failures, keyed by handlerId.
type handlerRegistration struct {
	handler HandlerFunc
	policy  RetryPolicy
}

// handlerRegistry implements scheduler.Registry over a plain map guarded
// by a mutex (handlers are normally all registered before Start, but the
// mutex makes concurrent registration safe too).
type handlerRegistry struct {
	mu    sync.RWMutex
	regs  map[string]handlerRegistration
	fallback RetryPolicy
}

func (r *handlerRegistry) Lookup(handlerID string) (scheduler.Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[handlerID]
	if !ok {
		return scheduler.Registration{}, false
	}
	policy := reg.policy
	if policy == nil {
		policy = r.fallback
	}
	return scheduler.Registration{Handler: reg.handler, RetryPolicy: policy}, true
}

func (r *handlerRegistry) register(handlerID string, handler HandlerFunc, policy RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[handlerID] = handlerRegistration{handler: handler, policy: policy}
}

// Manager wires together the Record Store, Instance Registry, Assignment
// Store, Partition Coordinator, Processing Scheduler, and Lifecycle
// Manager into the single public entry point host applications use.
type Manager struct {
	cfg       *Config
	records   store.RecordStore
	registry  *handlerRegistry
	coord     *coordinator.Coordinator
	sched     *scheduler.Scheduler
	lifecycle *lifecycle.Manager
	metrics   *outboxmetrics.Collector

	rebalanceStop chan struct{}
	schedulerStop chan struct{}
	wg            sync.WaitGroup

	// rebalanceGate is held by the scheduler's tick and by the
	// coordinator's rebalance cycle, enforcing section 4.9.2's mutual
	// exclusion between processing and rebalancing on the same instance.
	rebalanceGate sync.Mutex
}

// Dependencies bundles the storage backends a Manager needs. Host
// applications normally construct these from internal/storepg against a
// live Postgres pool; tests can substitute internal/store.MemoryBackend.
type Dependencies struct {
	Records     store.RecordStore
	Instances   store.InstanceRegistry
	Assignments store.AssignmentStore
}

// NewManager builds a Manager from cfg and deps. It does not start any
// background task; call Start for that.
func NewManager(cfg *Config, deps Dependencies, hostname string, port int) (*Manager, error) {
	if cfg == nil {
		cfg = (&Config{}).WithDefaults()
	} else {
		cfg.WithDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaultPolicy, err := buildPolicy(cfg.Retry.Policy, cfg)
	if err != nil {
		return nil, err
	}

	registry := &handlerRegistry{regs: make(map[string]handlerRegistration), fallback: defaultPolicy}

	log := cfg.Logger
	if log == nil {
		log = defaultLogger()
	}

	lc := lifecycle.New(lifecycle.Config{
		Hostname:                hostname,
		Port:                    port,
		HeartbeatInterval:       cfg.Instance.HeartbeatInterval,
		StaleInstanceTimeout:    cfg.Instance.StaleInstanceTimeout,
		GracefulShutdownTimeout: cfg.Instance.GracefulShutdownTimeout,
	}, deps.Instances, nil, log)

	coord := coordinator.New(lc.InstanceID(), cfg.Instance.StaleInstanceTimeout, deps.Instances, deps.Assignments, log)
	lc.SetCoordinator(coord)

	metrics := outboxmetrics.NewCollector(deps.Records, coord)

	sched := scheduler.New(scheduler.Config{
		BatchSize:          cfg.BatchSize,
		StopOnFirstFailure: cfg.Processing.StopOnFirstFailure,
		HandlerRateLimit:   rate.Limit(cfg.Processing.HandlerRateLimit),
		HandlerBurst:       cfg.Processing.HandlerBurst,
		Metrics:            metrics,
	}, deps.Records, coord, registry, log)

	return &Manager{
		cfg:           cfg,
		records:       deps.Records,
		registry:      registry,
		coord:         coord,
		sched:         sched,
		lifecycle:     lc,
		metrics:       metrics,
		rebalanceStop: make(chan struct{}),
		schedulerStop: make(chan struct{}),
	}, nil
}

// InstanceID returns this process's generated instance id.
func (m *Manager) InstanceID() string { return m.lifecycle.InstanceID() }

// Metrics returns this Manager's Prometheus collector. Host applications
// register it with their own prometheus.Registerer and may call its
// Start method to keep the gauges sampled on an interval; the Manager
// itself already feeds the tick/failure counters as it runs.
func (m *Manager) Metrics() *outboxmetrics.Collector { return m.metrics }

// RegisterHandler binds handlerID to handler. policy may be nil to fall
// back to the Manager's default retry policy from Config.Retry.
func (m *Manager) RegisterHandler(handlerID string, handler HandlerFunc, policy RetryPolicy) {
	m.registry.register(handlerID, handler, policy)
}

// Save persists record, filling in a random UUID key when record.Key is
// empty and always recomputing its partition from record.Key. Callers
// are expected to enlist this into their own business transaction
// (section 4.3); this module never opens one of its own.
func (m *Manager) Save(ctx context.Context, record Record) error {
	if record.Key == "" {
		record.Key = uuid.NewString()
	}
	record.Partition = hashing.PartitionOf(record.Key)
	if record.Status == "" {
		record.Status = StatusNew
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.NextRetryAt.IsZero() {
		record.NextRetryAt = record.CreatedAt
	}
	return m.records.Save(ctx, record)
}

// Start implements section 4.10's startup sequence and launches the
// rebalance and processing ticker loops.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.lifecycle.Start(ctx); err != nil {
		return err
	}

	m.wg.Add(2)
	go m.runRebalanceLoop(ctx)
	go m.runProcessingLoop(ctx)
	return nil
}

// runRebalanceLoop and runProcessingLoop share rebalanceGate so a
// rebalance mutation never races a processing tick on this instance
// (section 4.9.2).
func (m *Manager) runRebalanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Instance.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.rebalanceGate.Lock()
			if err := m.coord.Rebalance(ctx); err != nil {
				defaultLogger().Debug("outbox: rebalance cycle failed", "error", err)
			}
			m.metrics.ObserveRebalanceTick()
			m.rebalanceGate.Unlock()
		case <-m.rebalanceStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) runProcessingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.rebalanceGate.Lock()
			if err := m.sched.Tick(ctx); err != nil {
				defaultLogger().Debug("outbox: processing tick failed", "error", err)
			}
			m.metrics.ObserveProcessingTick()
			m.rebalanceGate.Unlock()
		case <-m.schedulerStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops both ticker loops and runs the Lifecycle Manager's
// graceful shutdown sequence (SHUTTING_DOWN, await timeout, release
// owned partitions, DEAD).
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.rebalanceStop)
	close(m.schedulerStop)
	m.wg.Wait()
	return m.lifecycle.Shutdown(ctx)
}

func buildPolicy(kind RetryPolicyKind, cfg *Config) (RetryPolicy, error) {
	switch kind {
	case RetryFixed:
		return retrypolicy.NewFixedPolicy(cfg.Retry.Fixed.Delay, cfg.Retry.MaxRetries, nil), nil
	case RetryExponential:
		return retrypolicy.NewExponentialPolicy(cfg.Retry.Exponential.InitialDelay, cfg.Retry.Exponential.MaxDelay, cfg.Retry.Exponential.Multiplier, cfg.Retry.MaxRetries, nil), nil
	case RetryJittered:
		base, err := buildPolicy(cfg.Retry.Jittered.BasePolicy, cfg)
		if err != nil {
			return nil, err
		}
		return retrypolicy.NewJitteredPolicy(base, cfg.Retry.Jittered.Jitter), nil
	default:
		return nil, Configuration(fmt.Sprintf("unknown retry.policy %q", kind), nil)
	}
}
