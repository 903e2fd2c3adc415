package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/namastack/outbox-go/internal/model"
	"github.com/namastack/outbox-go/internal/retrypolicy"
	"github.com/namastack/outbox-go/internal/store"
)

type fakeRegistry struct {
	regs map[string]Registration
}

func (r *fakeRegistry) Lookup(handlerID string) (Registration, bool) {
	reg, ok := r.regs[handlerID]
	return reg, ok
}

func allPartitions() PartitionSource {
	all := make([]int, model.PartitionCount)
	for i := range all {
		all[i] = i
	}
	return OwnedPartitionsProviderFunc(func() []int { return all })
}

func saveRecord(t *testing.T, records *store.MemoryRecordStore, r model.OutboxRecord) {
	t.Helper()
	if err := records.Save(context.Background(), r); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestTickProcessesReadyKeyToCompletion(t *testing.T) {
	backend := store.NewMemoryBackend()
	now := time.Now()
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "1", Key: "order-1", RecordType: "OrderCreated", Payload: "{}",
		Status: model.RecordNew, CreatedAt: now, NextRetryAt: now, HandlerID: "h",
	})

	registry := &fakeRegistry{regs: map[string]Registration{
		"h": {Handler: func(ctx context.Context, payload string, md Metadata) error { return nil },
			RetryPolicy: retrypolicy.NewFixedPolicy(time.Second, 3, nil)},
	}}

	s := New(Config{BatchSize: 10, StopOnFirstFailure: true}, backend.Records, allPartitions(), registry, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	completed, err := backend.Records.FindCompleted(context.Background())
	if err != nil {
		t.Fatalf("FindCompleted: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(completed))
	}
}

func TestTickStopsOnFirstFailureWithinKey(t *testing.T) {
	backend := store.NewMemoryBackend()
	now := time.Now()
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "1", Key: "order-1", Payload: "{}", Status: model.RecordNew,
		CreatedAt: now, NextRetryAt: now, HandlerID: "h",
	})
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "2", Key: "order-1", Payload: "{}", Status: model.RecordNew,
		CreatedAt: now.Add(time.Millisecond), NextRetryAt: now, HandlerID: "h",
	})

	calls := 0
	registry := &fakeRegistry{regs: map[string]Registration{
		"h": {Handler: func(ctx context.Context, payload string, md Metadata) error {
			calls++
			return errors.New("boom")
		}, RetryPolicy: retrypolicy.NewFixedPolicy(time.Minute, 5, nil)},
	}}

	s := New(Config{BatchSize: 10, StopOnFirstFailure: true}, backend.Records, allPartitions(), registry, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1 (stop on first failure)", calls)
	}

	incomplete, err := backend.Records.FindIncompleteRecordsByKey(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("FindIncompleteRecordsByKey: %v", err)
	}
	if len(incomplete) != 2 {
		t.Fatalf("incomplete = %d, want 2 (second record untouched)", len(incomplete))
	}
}

func TestTickMarksFailedWhenRetriesExhausted(t *testing.T) {
	backend := store.NewMemoryBackend()
	now := time.Now()
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "1", Key: "order-1", Payload: "{}", Status: model.RecordNew,
		CreatedAt: now, NextRetryAt: now, HandlerID: "h", FailureCount: 2,
	})

	registry := &fakeRegistry{regs: map[string]Registration{
		"h": {Handler: func(ctx context.Context, payload string, md Metadata) error { return errors.New("boom") },
			RetryPolicy: retrypolicy.NewFixedPolicy(time.Second, 3, nil)},
	}}

	s := New(Config{BatchSize: 10, StopOnFirstFailure: true}, backend.Records, allPartitions(), registry, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	failed, err := backend.Records.FindFailed(context.Background())
	if err != nil {
		t.Fatalf("FindFailed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}
	if failed[0].FailureCount != 3 {
		t.Fatalf("failureCount = %d, want 3", failed[0].FailureCount)
	}
}

func TestTickHeadOfLineWaitsOnNextRetryAt(t *testing.T) {
	backend := store.NewMemoryBackend()
	now := time.Now()
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "1", Key: "order-1", Payload: "{}", Status: model.RecordNew,
		CreatedAt: now, NextRetryAt: now.Add(time.Hour), HandlerID: "h",
	})

	calls := 0
	registry := &fakeRegistry{regs: map[string]Registration{
		"h": {Handler: func(ctx context.Context, payload string, md Metadata) error { calls++; return nil },
			RetryPolicy: retrypolicy.NewFixedPolicy(time.Second, 3, nil)},
	}}

	s := New(Config{BatchSize: 10, StopOnFirstFailure: true}, backend.Records, allPartitions(), registry, nil)
	// FindReadyRecordKeys itself excludes not-yet-due records, so the key
	// never surfaces this tick.
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if calls != 0 {
		t.Fatalf("handler invoked %d times, want 0 (not yet due)", calls)
	}
}

func TestTickReturnsEarlyWhenNoPartitionsOwned(t *testing.T) {
	backend := store.NewMemoryBackend()
	none := OwnedPartitionsProviderFunc(func() []int { return nil })
	registry := &fakeRegistry{regs: map[string]Registration{}}

	s := New(Config{BatchSize: 10}, backend.Records, none, registry, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

type fakeObserver struct {
	handlerIDs []string
}

func (f *fakeObserver) ObserveHandlerFailure(handlerID string) {
	f.handlerIDs = append(f.handlerIDs, handlerID)
}

func TestTickObservesHandlerFailureMetric(t *testing.T) {
	backend := store.NewMemoryBackend()
	now := time.Now()
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "1", Key: "order-1", Payload: "{}", Status: model.RecordNew,
		CreatedAt: now, NextRetryAt: now, HandlerID: "h", FailureCount: 2,
	})

	registry := &fakeRegistry{regs: map[string]Registration{
		"h": {Handler: func(ctx context.Context, payload string, md Metadata) error { return errors.New("boom") },
			RetryPolicy: retrypolicy.NewFixedPolicy(time.Second, 3, nil)},
	}}

	observer := &fakeObserver{}
	s := New(Config{BatchSize: 10, StopOnFirstFailure: true, Metrics: observer}, backend.Records, allPartitions(), registry, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(observer.handlerIDs) != 1 || observer.handlerIDs[0] != "h" {
		t.Fatalf("observed handler failures = %v, want [\"h\"]", observer.handlerIDs)
	}
}

func TestTickFailsRecordWithMissingHandler(t *testing.T) {
	backend := store.NewMemoryBackend()
	now := time.Now()
	saveRecord(t, backend.Records, model.OutboxRecord{
		ID: "1", Key: "order-1", Payload: "{}", Status: model.RecordNew,
		CreatedAt: now, NextRetryAt: now, HandlerID: "missing",
	})

	registry := &fakeRegistry{regs: map[string]Registration{}}
	s := New(Config{BatchSize: 10, StopOnFirstFailure: true}, backend.Records, allPartitions(), registry, nil)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	failed, err := backend.Records.FindFailed(context.Background())
	if err != nil {
		t.Fatalf("FindFailed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1 for missing handler", len(failed))
	}
}
