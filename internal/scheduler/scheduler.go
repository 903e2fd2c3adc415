// Package scheduler implements the Processing Scheduler (section 4.9):
// per-tick it asks the coordinator for owned partitions, scans for ready
// keys, and processes each key's incomplete records strictly in
// createdAt order.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/outboxerr"
	"github.com/namastack/outbox-go/internal/retrypolicy"
	"github.com/namastack/outbox-go/internal/store"
)

// Metadata is passed to every handler invocation alongside the payload
// (section 6.3).
type Metadata struct {
	Key       string
	HandlerID string
	CreatedAt time.Time
	Context   map[string]string
}

// HandlerFunc processes one record's payload. A non-nil error marks the
// attempt failed; ctx is the context Tick was called with, and once it is
// canceled no further records of the key are started.
type HandlerFunc func(ctx context.Context, payload string, metadata Metadata) error

// Registration pairs a handler with the retry policy governing its
// failures.
type Registration struct {
	Handler     HandlerFunc
	RetryPolicy retrypolicy.Policy
}

// Registry resolves a handlerId to its Registration. The root outbox
// package implements this over its handler map; scheduler only depends
// on the interface, not the concrete registry, to avoid an import cycle
// back to the public API.
type Registry interface {
	Lookup(handlerID string) (Registration, bool)
}

// PartitionSource reports which partitions this instance currently owns.
// Implemented by *internal/coordinator.Coordinator.
type PartitionSource interface {
	OwnedPartitions() []int
}

// OwnedPartitionsProviderFunc adapts a plain function to PartitionSource,
// useful for tests that don't need a full coordinator.
type OwnedPartitionsProviderFunc func() []int

func (f OwnedPartitionsProviderFunc) OwnedPartitions() []int { return f() }

// FailureObserver is notified of every handler failure, by handlerId.
// Implemented by *outboxmetrics.Collector; optional, nil disables it.
type FailureObserver interface {
	ObserveHandlerFailure(handlerID string)
}

// Scheduler runs one tick of the processing loop described in section 4.9.
type Scheduler struct {
	records            store.RecordStore
	partitions         PartitionSource
	registry           Registry
	batchSize          int
	stopOnFirstFailure bool
	limiter            *rate.Limiter
	log                *slog.Logger
	metrics            FailureObserver

	now func() time.Time
}

// Config bundles the Scheduler's tunables (mirrors the relevant slice of
// the package-level Config in section 6.2).
type Config struct {
	BatchSize          int
	StopOnFirstFailure bool
	// HandlerRateLimit, if positive, caps handler invocations per second
	// across this instance's whole processing tick (section 5: protecting
	// shared downstream resources the handler might call into).
	HandlerRateLimit rate.Limit
	HandlerBurst     int
	// Metrics, if non-nil, is notified of every handler failure.
	Metrics FailureObserver
}

// New builds a Scheduler. log defaults to slog.Default() when nil.
func New(cfg Config, records store.RecordStore, partitions PartitionSource, registry Registry, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.HandlerRateLimit > 0 {
		burst := cfg.HandlerBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.HandlerRateLimit, burst)
	}
	return &Scheduler{
		records:            records,
		partitions:         partitions,
		registry:           registry,
		batchSize:          cfg.BatchSize,
		stopOnFirstFailure: cfg.StopOnFirstFailure,
		limiter:            limiter,
		log:                log,
		metrics:            cfg.Metrics,
		now:                time.Now,
	}
}

// Tick runs exactly one processing cycle (section 4.9, steps 1-3).
func (s *Scheduler) Tick(ctx context.Context) error {
	owned := s.partitions.OwnedPartitions()
	if len(owned) == 0 {
		return nil
	}

	keys, err := s.records.FindReadyRecordKeys(ctx, owned, model.RecordNew, s.batchSize, s.stopOnFirstFailure)
	if err != nil {
		s.log.Debug("scheduler: findReadyRecordKeys failed", "error", err)
		return err
	}

	for _, key := range keys {
		s.processKey(ctx, key)
	}
	return nil
}

// processKey implements section 4.9.1: load the key's incomplete
// records oldest-first, process in order, stop at the first not-yet-due
// record (head-of-line wait) or, if configured, the first failure.
func (s *Scheduler) processKey(ctx context.Context, key string) {
	records, err := s.records.FindIncompleteRecordsByKey(ctx, key)
	if err != nil {
		s.log.Debug("scheduler: findIncompleteRecordsByKey failed", "key", key, "error", err)
		return
	}

	now := s.now()
	for _, record := range records {
		if record.NextRetryAt.After(now) {
			return
		}

		if err := ctx.Err(); err != nil {
			// Graceful shutdown: leave the record NEW, a future owner
			// (possibly this instance after the next rebalance) retries it.
			return
		}

		reg, ok := s.registry.Lookup(record.HandlerID)
		if !ok {
			s.failPermanently(ctx, record, outboxerr.Configuration("no handler registered for "+record.HandlerID, nil))
			if s.stopOnFirstFailure {
				return
			}
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		metadata := Metadata{Key: record.Key, HandlerID: record.HandlerID, CreatedAt: record.CreatedAt, Context: record.Context}
		handlerErr := reg.Handler(ctx, record.Payload, metadata)
		if handlerErr == nil {
			s.markCompleted(ctx, record)
			continue
		}

		s.handleFailure(ctx, record, reg.RetryPolicy, handlerErr)
		if s.stopOnFirstFailure {
			return
		}
	}
}

func (s *Scheduler) markCompleted(ctx context.Context, record model.OutboxRecord) {
	completedAt := s.now()
	record.Status = model.RecordCompleted
	record.CompletedAt = &completedAt
	if err := s.records.Save(ctx, record); err != nil {
		s.log.Debug("scheduler: save completed record failed", "id", record.ID, "error", err)
	}
}

// handleFailure implements section 4.9.1 step 2d: increment failureCount,
// then either mark FAILED or reschedule with the policy's next delay.
func (s *Scheduler) handleFailure(ctx context.Context, record model.OutboxRecord, policy retrypolicy.Policy, cause error) {
	record.FailureCount++
	reason := outboxerr.HandlerFailure(record.HandlerID, cause).Error()
	record.FailureReason = &reason
	if s.metrics != nil {
		s.metrics.ObserveHandlerFailure(record.HandlerID)
	}

	if policy == nil || !policy.ShouldRetry(cause) || record.FailureCount >= policy.MaxRetries() {
		record.Status = model.RecordFailed
		if err := s.records.Save(ctx, record); err != nil {
			s.log.Debug("scheduler: save failed record failed", "id", record.ID, "error", err)
		}
		return
	}

	record.NextRetryAt = s.now().Add(policy.NextDelay(record.FailureCount))
	if err := s.records.Save(ctx, record); err != nil {
		s.log.Debug("scheduler: save retry record failed", "id", record.ID, "error", err)
	}
}

func (s *Scheduler) failPermanently(ctx context.Context, record model.OutboxRecord, cause error) {
	record.FailureCount++
	reason := cause.Error()
	record.FailureReason = &reason
	record.Status = model.RecordFailed
	if s.metrics != nil {
		s.metrics.ObserveHandlerFailure(record.HandlerID)
	}
	s.log.Error("scheduler: marking record FAILED", "id", record.ID, "handler_id", record.HandlerID, "error", cause)
	if err := s.records.Save(ctx, record); err != nil {
		s.log.Debug("scheduler: save permanently-failed record failed", "id", record.ID, "error", err)
	}
}
