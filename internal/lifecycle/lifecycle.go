// Package lifecycle implements the Lifecycle Manager (section 4.10):
// instance startup/registration, the heartbeat task, and graceful
// shutdown with partition release.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/store"
)

// Rebalancer is the subset of the coordinator the lifecycle manager needs
// to release owned partitions on shutdown.
type Rebalancer interface {
	Rebalance(ctx context.Context) error
	ReleaseAll(ctx context.Context) error
}

// Manager orchestrates one instance's registration, heartbeat, and
// shutdown sequence. It owns no processing logic itself; Ticker and
// Scheduler are driven externally (outbox.Manager wires them together).
type Manager struct {
	instanceID  string
	hostname    string
	port        int
	instances   store.InstanceRegistry
	coordinator Rebalancer
	log         *slog.Logger

	heartbeatInterval time.Duration
	staleTimeout      time.Duration
	shutdownTimeout   time.Duration

	stopHeartbeat chan struct{}
	stopStale     chan struct{}
	wg            sync.WaitGroup

	mu     sync.Mutex
	status model.InstanceStatus
}

// Config holds the Lifecycle Manager's tunables, mirroring section 6.2's
// instance.* options.
type Config struct {
	Hostname                string
	Port                    int
	HeartbeatInterval       time.Duration
	StaleInstanceTimeout    time.Duration
	GracefulShutdownTimeout time.Duration
}

// New generates a fresh instanceId (section 4.10) and builds a Manager.
func New(cfg Config, instances store.InstanceRegistry, coordinator Rebalancer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		instanceID:        uuid.NewString(),
		hostname:          cfg.Hostname,
		port:              cfg.Port,
		instances:         instances,
		coordinator:       coordinator,
		log:               log,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleTimeout:      cfg.StaleInstanceTimeout,
		shutdownTimeout:   cfg.GracefulShutdownTimeout,
		stopHeartbeat:     make(chan struct{}),
		stopStale:         make(chan struct{}),
	}
}

// InstanceID returns the generated id for this process.
func (m *Manager) InstanceID() string { return m.instanceID }

// SetCoordinator wires in the Rebalancer used during Shutdown to release
// owned partitions. Needed because the coordinator itself is constructed
// from this manager's generated InstanceID, after New returns.
func (m *Manager) SetCoordinator(coordinator Rebalancer) {
	m.coordinator = coordinator
}

// Start registers the instance as ACTIVE and launches the heartbeat and
// stale-instance-detection background tasks.
func (m *Manager) Start(ctx context.Context) error {
	now := time.Now()
	m.setStatus(model.InstanceActive)
	inst := model.OutboxInstance{
		InstanceID:    m.instanceID,
		Hostname:      m.hostname,
		Port:          m.port,
		Status:        model.InstanceActive,
		StartedAt:     now,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.instances.Save(ctx, inst); err != nil {
		return err
	}

	m.wg.Add(2)
	go m.runHeartbeat(ctx)
	go m.runStaleDetection(ctx)
	return nil
}

// runHeartbeat implements section 4.10: idempotent heartbeat, re-register
// on a 0-row update (the row was deleted out from under this instance).
func (m *Manager) runHeartbeat(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.beat(ctx)
		case <-m.stopHeartbeat:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) beat(ctx context.Context) {
	now := time.Now()
	rows, err := m.instances.UpdateHeartbeat(ctx, m.instanceID, now)
	if err != nil {
		m.log.Debug("lifecycle: heartbeat update failed", "instance_id", m.instanceID, "error", err)
		return
	}
	if rows == 0 {
		m.log.Warn("lifecycle: instance row missing, re-registering", "instance_id", m.instanceID)
		inst := model.OutboxInstance{
			InstanceID:    m.instanceID,
			Hostname:      m.hostname,
			Port:          m.port,
			Status:        m.currentStatus(),
			StartedAt:     now,
			LastHeartbeat: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.instances.Save(ctx, inst); err != nil {
			m.log.Debug("lifecycle: re-register failed", "instance_id", m.instanceID, "error", err)
		}
	}
}

// runStaleDetection periodically marks instances with a stale heartbeat
// DEAD. This is a hint only (section 4.10) — the coordinator already
// treats them as non-live via liveIds regardless of this task.
func (m *Manager) runStaleDetection(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.staleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepStale(ctx)
		case <-m.stopStale:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-m.staleTimeout)
	stale, err := m.instances.FindInstancesWithStaleHeartbeat(ctx, cutoff)
	if err != nil {
		m.log.Debug("lifecycle: stale sweep query failed", "error", err)
		return
	}
	for _, inst := range stale {
		if inst.Status == model.InstanceDead {
			continue
		}
		if err := m.instances.UpdateStatus(ctx, inst.InstanceID, model.InstanceDead, time.Now()); err != nil {
			m.log.Debug("lifecycle: marking stale instance DEAD failed", "instance_id", inst.InstanceID, "error", err)
		}
	}
}

// Shutdown implements section 4.10: SHUTTING_DOWN, wait up to
// gracefulShutdownTimeout, release owned partitions, then DEAD.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.setStatus(model.InstanceShuttingDown)
	if err := m.instances.UpdateStatus(ctx, m.instanceID, model.InstanceShuttingDown, time.Now()); err != nil {
		m.log.Debug("lifecycle: transition to SHUTTING_DOWN failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()
	<-shutdownCtx.Done()

	close(m.stopHeartbeat)
	close(m.stopStale)
	m.wg.Wait()

	if err := m.coordinator.ReleaseAll(ctx); err != nil {
		m.log.Debug("lifecycle: releasing owned partitions failed", "instance_id", m.instanceID, "error", err)
	}

	m.setStatus(model.InstanceDead)
	return m.instances.UpdateStatus(ctx, m.instanceID, model.InstanceDead, time.Now())
}

func (m *Manager) setStatus(s model.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *Manager) currentStatus() model.InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
