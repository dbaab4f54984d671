package deltasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errPersistenceUnavailable = errors.New("persistence unavailable")

type memoryPersistence struct {
	mu      sync.Mutex
	values  map[string][]byte
	failSet bool
	failKey string
	writes  []string
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{values: make(map[string][]byte)}
}

func (p *memoryPersistence) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.values[key]
	return value, ok, nil
}

func (p *memoryPersistence) Set(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet || key == p.failKey {
		return errPersistenceUnavailable
	}
	p.writes = append(p.writes, key)
	p.values[key] = append([]byte(nil), value...)
	return nil
}

func (p *memoryPersistence) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet || key == p.failKey {
		return errPersistenceUnavailable
	}
	p.writes = append(p.writes, key)
	delete(p.values, key)
	return nil
}

func (p *memoryPersistence) setFailing(failing bool) {
	p.mu.Lock()
	p.failSet = failing
	p.mu.Unlock()
}

func (p *memoryPersistence) failOnKey(key string) {
	p.mu.Lock()
	p.failKey = key
	p.mu.Unlock()
}

func (p *memoryPersistence) writtenKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// batchPersistence applies a batch wholesale or not at all.
type batchPersistence struct {
	*memoryPersistence
	batches int
}

func (p *batchPersistence) WriteBatch(_ context.Context, sets map[string][]byte, removes []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	if p.failSet {
		return errPersistenceUnavailable
	}
	for key := range sets {
		if key == p.failKey {
			return errPersistenceUnavailable
		}
	}
	for _, key := range removes {
		if key == p.failKey {
			return errPersistenceUnavailable
		}
	}
	for key, value := range sets {
		p.values[key] = append([]byte(nil), value...)
	}
	for _, key := range removes {
		delete(p.values, key)
	}
	return nil
}

type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("backend responded with status %d", e.status)
}

func (e statusError) StatusCode() int {
	return e.status
}

type backendCallRecord struct {
	method     string
	recordID   string
	providerID string
}

type stubBackend struct {
	mu        sync.Mutex
	calls     []backendCallRecord
	failures  map[string]error
	responses map[string]Record
	onCall    func(method string, record Record)
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		failures:  make(map[string]error),
		responses: make(map[string]Record),
	}
}

func (b *stubBackend) failOn(method, recordID string, err error) {
	b.mu.Lock()
	b.failures[method+":"+recordID] = err
	b.mu.Unlock()
}

func (b *stubBackend) respondWith(method string, response Record) {
	b.mu.Lock()
	b.responses[method+":"+response.ID()] = response
	b.mu.Unlock()
}

func (b *stubBackend) recordedCalls() []backendCallRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backendCallRecord(nil), b.calls...)
}

func (b *stubBackend) handle(ctx context.Context, method, providerID string, record Record) (Record, error) {
	key := method + ":" + record.ID()
	b.mu.Lock()
	b.calls = append(b.calls, backendCallRecord{method: method, recordID: record.ID(), providerID: providerID})
	err := b.failures[key]
	response, hasResponse := b.responses[key]
	hook := b.onCall
	b.mu.Unlock()
	MarkIssued(ctx)

	if hook != nil {
		hook(method, record)
	}
	if err != nil {
		return nil, err
	}
	if hasResponse {
		return response.Clone(), nil
	}
	return record.Clone(), nil
}

func (b *stubBackend) CreateMember(ctx context.Context, member Record) (Record, error) {
	return b.handle(ctx, "CreateMember", "", member)
}

func (b *stubBackend) UpdateMember(ctx context.Context, member Record) (Record, error) {
	return b.handle(ctx, "UpdateMember", "", member)
}

func (b *stubBackend) CreateIdentificationEvent(ctx context.Context, providerID string, event Record) (Record, error) {
	return b.handle(ctx, "CreateIdentificationEvent", providerID, event)
}

func (b *stubBackend) UpdateIdentificationEvent(ctx context.Context, event Record) (Record, error) {
	return b.handle(ctx, "UpdateIdentificationEvent", "", event)
}

func (b *stubBackend) CreateEncounter(ctx context.Context, providerID string, encounter Record) (Record, error) {
	return b.handle(ctx, "CreateEncounter", providerID, encounter)
}

func (b *stubBackend) UpdateEncounter(ctx context.Context, encounter Record) (Record, error) {
	return b.handle(ctx, "UpdateEncounter", "", encounter)
}

func (b *stubBackend) CreatePriceSchedule(ctx context.Context, providerID string, schedule Record) (Record, error) {
	return b.handle(ctx, "CreatePriceSchedule", providerID, schedule)
}

type stubFetcher struct {
	events     []Record
	encounters []Record
	err        error
}

func (f stubFetcher) FetchOpenIdentificationEvents(context.Context, string) ([]Record, error) {
	return f.events, f.err
}

func (f stubFetcher) FetchEncounters(context.Context, string) ([]Record, error) {
	return f.encounters, f.err
}

type recordingReporter struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingReporter) Report(message string) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("delta-%d", p.next), nil
}

var fixedSyncTime = time.Date(2026, time.October, 15, 9, 30, 0, 0, time.UTC)

type coreFixture struct {
	core        *Core
	persistence *memoryPersistence
	backend     *stubBackend
	reporter    *recordingReporter
}

func newCoreFixture(t *testing.T, configure func(*CoreConfig)) coreFixture {
	t.Helper()
	fixture := coreFixture{
		persistence: newMemoryPersistence(),
		backend:     newStubBackend(),
		reporter:    &recordingReporter{},
	}
	cfg := CoreConfig{
		Persistence: fixture.persistence,
		Backend:     fixture.backend,
		Reporter:    fixture.reporter,
		Clock:       func() time.Time { return fixedSyncTime },
		IDProvider:  &sequenceIDProvider{},
		ProviderID:  "provider-1",
	}
	if configure != nil {
		configure(&cfg)
	}
	core, err := NewCore(cfg)
	if err != nil {
		t.Fatalf("failed to construct core: %v", err)
	}
	fixture.core = core
	return fixture
}

func mustQueueCreate(t *testing.T, core *Core, modelType ModelType, record Record) Delta {
	t.Helper()
	delta, err := core.QueueCreate(context.Background(), modelType, record)
	if err != nil {
		t.Fatalf("queue create failed: %v", err)
	}
	return delta
}

func mustQueueUpdate(t *testing.T, core *Core, modelType ModelType, record Record) Delta {
	t.Helper()
	delta, err := core.QueueUpdate(context.Background(), modelType, record)
	if err != nil {
		t.Fatalf("queue update failed: %v", err)
	}
	return delta
}

func mustDelta(t *testing.T, id, modelID string, modelType ModelType, action Action) Delta {
	t.Helper()
	delta := Delta{ID: id, ModelID: modelID, ModelType: modelType, Action: action}
	if err := delta.validate(); err != nil {
		t.Fatalf("invalid test delta: %v", err)
	}
	return delta
}
