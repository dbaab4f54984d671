package deltasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	errMissingPersistence = errors.New("persistence is required")
	errMissingBackend     = errors.New("backend client is required")
	errMissingFetcher     = errors.New("fetch client is required")
	errNegativeInFlight   = errors.New("max in-flight must not be negative")
	noOpLogger            = zap.NewNop()
)

const (
	opCoreNew         = "deltasync.core.new"
	opLoad            = "deltasync.load"
	opQueueCreate     = "deltasync.queue_create"
	opQueueUpdate     = "deltasync.queue_update"
	opReconcile       = "deltasync.reconcile"
	opRefreshOpenWork = "deltasync.refresh_open_work"
	opSyncDelta       = "deltasync.sync_delta"

	reasonMissingPersistence = "missing_persistence"
	reasonMissingBackend     = "missing_backend"
	reasonMissingFetcher     = "missing_fetcher"
	reasonInvalidInFlight    = "invalid_max_in_flight"
	reasonRestoreFailed      = "restore_failed"
	reasonInvalidModelType   = "invalid_model_type"
	reasonUnsupportedAction  = "unsupported_action"
	reasonInvalidRecord      = "invalid_record"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonPersistFailed      = "persist_failed"
	reasonFetchFailed        = "fetch_failed"
	reasonReconcileFailed    = "reconcile_failed"
	reasonMissingEntity      = "missing_entity"
	reasonBackendFailed      = "backend_failed"
	reasonPredecessorFailed  = "predecessor_failed"

	runKey = "sync"
)

// CoreError carries a stable operation.reason code alongside the cause.
type CoreError struct {
	code string
	err  error
}

func (e *CoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *CoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *CoreError) Code() string {
	return e.code
}

func newCoreError(operation, reason string, cause error) error {
	return &CoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// FetchClient fetches server collections for reconciliation.
type FetchClient interface {
	FetchOpenIdentificationEvents(ctx context.Context, providerID string) ([]Record, error)
	FetchEncounters(ctx context.Context, providerID string) ([]Record, error)
}

// CoreConfig describes the collaborators of a Core. ProviderID is the owning provider
// passed to provider-scoped backend calls. MaxInFlight bounds concurrent backend calls
// within one phase; zero means unbounded.
type CoreConfig struct {
	Persistence Persistence
	Backend     BackendClient
	Fetcher     FetchClient
	Reporter    ErrorReporter
	Logger      *zap.Logger
	Metrics     *Metrics
	Clock       func() time.Time
	IDProvider  IDProvider
	ProviderID  string
	MaxInFlight int
}

// Core owns the delta store and entity stores and exposes queueing, reconciliation
// and sync to the application.
type Core struct {
	persistence Persistence
	backend     BackendClient
	fetcher     FetchClient
	reporter    ErrorReporter
	logger      *zap.Logger
	metrics     *Metrics
	clock       func() time.Time
	idProvider  IDProvider
	providerID  string
	maxInFlight int

	writeMu sync.Mutex
	state   atomic.Pointer[State]
	runs    singleflight.Group
}

// NewCore validates the configuration and returns a Core with empty state. Call Load
// to restore previously persisted state.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Persistence == nil {
		return nil, newCoreError(opCoreNew, reasonMissingPersistence, errMissingPersistence)
	}
	if cfg.Backend == nil {
		return nil, newCoreError(opCoreNew, reasonMissingBackend, errMissingBackend)
	}
	if cfg.MaxInFlight < 0 {
		return nil, newCoreError(opCoreNew, reasonInvalidInFlight, errNegativeInFlight)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = NewLoggerReporter(logger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	core := &Core{
		persistence: cfg.Persistence,
		backend:     cfg.Backend,
		fetcher:     cfg.Fetcher,
		reporter:    reporter,
		logger:      logger,
		metrics:     cfg.Metrics,
		clock:       clock,
		idProvider:  idProvider,
		providerID:  cfg.ProviderID,
		maxInFlight: cfg.MaxInFlight,
	}
	core.state.Store(&State{entities: make(map[ModelType]EntityStore)})
	return core, nil
}

// Load replaces the in-memory state with the persisted state.
func (core *Core) Load(ctx context.Context) error {
	restored, err := restoreState(ctx, core.persistence)
	if err != nil {
		core.logError(opLoad, reasonRestoreFailed, err)
		return newCoreError(opLoad, reasonRestoreFailed, err)
	}

	core.writeMu.Lock()
	core.state.Store(&restored)
	core.writeMu.Unlock()

	core.metrics.observeState(restored)
	core.logger.Info("sync state restored",
		zap.Int("deltas", restored.deltas.Len()))
	return nil
}

// Snapshot returns the current immutable state.
func (core *Core) Snapshot() State {
	return *core.state.Load()
}

// QueueCreate stores a record created locally and queues its create delta. A record
// without an id is assigned a new one.
func (core *Core) QueueCreate(ctx context.Context, modelType ModelType, record Record) (Delta, error) {
	return core.queue(ctx, opQueueCreate, modelType, ActionCreate, record)
}

// QueueUpdate merges a locally edited record into its store and queues its update delta.
func (core *Core) QueueUpdate(ctx context.Context, modelType ModelType, record Record) (Delta, error) {
	return core.queue(ctx, opQueueUpdate, modelType, ActionUpdate, record)
}

func (core *Core) queue(ctx context.Context, operation string, modelType ModelType, action Action, record Record) (Delta, error) {
	if !modelType.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnknownModelType, modelType)
		return Delta{}, newCoreError(operation, reasonInvalidModelType, err)
	}
	if !supportsAction(modelType, action) {
		err := fmt.Errorf("%w: %s %s", ErrUnsupportedAction, action, modelType)
		return Delta{}, newCoreError(operation, reasonUnsupportedAction, err)
	}

	stored := record.Clone()
	if stored == nil {
		stored = Record{}
	}
	if stored.ID() == "" {
		if action != ActionCreate {
			err := fmt.Errorf("%w: missing id", ErrInvalidRecord)
			return Delta{}, newCoreError(operation, reasonInvalidRecord, err)
		}
		recordID, err := core.idProvider.NewID()
		if err != nil {
			return Delta{}, newCoreError(operation, reasonIDGenerationFailed, err)
		}
		stored[recordIDField] = recordID
	}

	deltaID, err := core.idProvider.NewID()
	if err != nil {
		return Delta{}, newCoreError(operation, reasonIDGenerationFailed, err)
	}
	delta := Delta{
		ID:        deltaID,
		ModelID:   stored.ID(),
		ModelType: modelType,
		Action:    action,
		CreatedAt: core.clock().UTC(),
	}

	err = core.commit(ctx, func(State) []Mutation {
		return []Mutation{
			UpsertMany{ModelType: modelType, Records: map[string]Record{delta.ModelID: stored}},
			AppendDelta{Delta: delta},
		}
	})
	if err != nil {
		core.logError(operation, reasonPersistFailed, err,
			zap.String("model_type", modelType.String()),
			zap.String("model_id", delta.ModelID))
		return Delta{}, newCoreError(operation, reasonPersistFailed, err)
	}
	return delta, nil
}

// UnsyncedCount returns the number of pending deltas for a model type.
func (core *Core) UnsyncedCount(modelType ModelType) int {
	return core.Snapshot().deltas.CountByModelType(modelType, true)
}

// LastSyncedAt returns the time of the last successful delta replay.
func (core *Core) LastSyncedAt() (time.Time, bool) {
	return core.Snapshot().LastSyncedAt()
}

// Entity returns the stored record for a model type and id.
func (core *Core) Entity(modelType ModelType, id string) (Record, bool) {
	return core.Snapshot().Entities(modelType).GetByID(id)
}

// Entities returns every stored record for a model type.
func (core *Core) Entities(modelType ModelType) map[string]Record {
	return core.Snapshot().Entities(modelType).GetAll()
}

// Deltas returns the pending deltas for a model type in append order.
func (core *Core) Deltas(modelType ModelType) []Delta {
	return core.Snapshot().deltas.ListByModelType(modelType)
}

// Reconcile folds a freshly fetched server collection into local state without
// overwriting records that have pending deltas.
func (core *Core) Reconcile(ctx context.Context, modelType ModelType, serverRecords []Record) (ReconcileResult, error) {
	var result ReconcileResult
	var reconcileErr error
	err := core.commit(ctx, func(current State) []Mutation {
		var mutations []Mutation
		result, mutations, reconcileErr = reconcile(current, modelType, serverRecords)
		if reconcileErr != nil {
			return nil
		}
		return mutations
	})
	if reconcileErr != nil {
		core.logError(opReconcile, reasonReconcileFailed, reconcileErr, zap.String("model_type", modelType.String()))
		return ReconcileResult{}, newCoreError(opReconcile, reasonReconcileFailed, reconcileErr)
	}
	if err != nil {
		core.logError(opReconcile, reasonPersistFailed, err, zap.String("model_type", modelType.String()))
		return ReconcileResult{}, newCoreError(opReconcile, reasonPersistFailed, err)
	}
	core.logger.Debug("collection reconciled",
		zap.String("model_type", modelType.String()),
		zap.Int("records", len(result.Records)),
		zap.Int("dropped", len(result.Dropped)))
	return result, nil
}

// RefreshOpenWork fetches open identification events and encounters for the provider
// and reconciles each collection.
func (core *Core) RefreshOpenWork(ctx context.Context) (map[ModelType]ReconcileResult, error) {
	if core.fetcher == nil {
		return nil, newCoreError(opRefreshOpenWork, reasonMissingFetcher, errMissingFetcher)
	}

	events, err := core.fetcher.FetchOpenIdentificationEvents(ctx, core.providerID)
	if err != nil {
		core.logError(opRefreshOpenWork, reasonFetchFailed, err, zap.String("model_type", ModelTypeIdentificationEvent.String()))
		return nil, newCoreError(opRefreshOpenWork, reasonFetchFailed, err)
	}
	encounters, err := core.fetcher.FetchEncounters(ctx, core.providerID)
	if err != nil {
		core.logError(opRefreshOpenWork, reasonFetchFailed, err, zap.String("model_type", ModelTypeEncounter.String()))
		return nil, newCoreError(opRefreshOpenWork, reasonFetchFailed, err)
	}

	results := make(map[ModelType]ReconcileResult, 2)
	if results[ModelTypeIdentificationEvent], err = core.Reconcile(ctx, ModelTypeIdentificationEvent, events); err != nil {
		return nil, err
	}
	if results[ModelTypeEncounter], err = core.Reconcile(ctx, ModelTypeEncounter, encounters); err != nil {
		return nil, err
	}
	return results, nil
}

// TriggerSync drains pending deltas against the backend and returns the outcome. It
// never fails; failed deltas stay queued. Callers arriving while a run is in progress
// share that run's outcome. The run is bound to the context of the caller that started
// it. A caller whose context ends first gets a Detached outcome and the run carries on.
func (core *Core) TriggerSync(ctx context.Context) SyncOutcome {
	if ctx.Err() != nil {
		return detachedOutcome(core.clock().UTC())
	}
	results := core.runs.DoChan(runKey, func() (any, error) {
		return core.runSync(ctx), nil
	})
	select {
	case result := <-results:
		outcome, _ := result.Val.(SyncOutcome)
		return outcome
	case <-ctx.Done():
		core.logger.Info("sync caller detached from running sync")
		return detachedOutcome(core.clock().UTC())
	}
}

// commit builds mutations from the latest state, persists the keys they touch, and
// only then publishes the new state. On error the published state is unchanged.
func (core *Core) commit(ctx context.Context, build func(State) []Mutation) error {
	core.writeMu.Lock()
	defer core.writeMu.Unlock()

	current := *core.state.Load()
	mutations := build(current)
	if len(mutations) == 0 {
		return nil
	}
	next, dirty, err := current.apply(mutations)
	if err != nil {
		return err
	}
	if err := next.persist(ctx, core.persistence, dirty); err != nil {
		return err
	}
	core.state.Store(&next)
	core.metrics.observeState(next)
	return nil
}

func (core *Core) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	core.logger.Error("deltasync error", attrs...)
}
