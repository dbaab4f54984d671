package deltasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BackendClient performs the server-side create and update calls that deltas replay.
// Each call returns the server's canonical representation of the record.
type BackendClient interface {
	CreateMember(ctx context.Context, member Record) (Record, error)
	UpdateMember(ctx context.Context, member Record) (Record, error)
	CreateIdentificationEvent(ctx context.Context, providerID string, event Record) (Record, error)
	UpdateIdentificationEvent(ctx context.Context, event Record) (Record, error)
	CreateEncounter(ctx context.Context, providerID string, encounter Record) (Record, error)
	UpdateEncounter(ctx context.Context, encounter Record) (Record, error)
	CreatePriceSchedule(ctx context.Context, providerID string, schedule Record) (Record, error)
}

// StatusCoder is implemented by backend errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// DeltaAttempt records one replay attempt. Err is nil on success.
type DeltaAttempt struct {
	Delta Delta
	Err   error
}

// DeltaFailure identifies a delta that stayed queued and why.
type DeltaFailure struct {
	DeltaID   string
	ModelID   string
	ModelType ModelType
	Err       error
}

// SyncOutcome summarises one sync run. Attempts are listed in dispatch order: phases in
// SyncOrder and, within a phase, deltas in append order. Detached is set when the
// caller stopped waiting before the run finished; the other fields are then empty.
type SyncOutcome struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  []string
	Failed     []DeltaFailure
	Attempts   []DeltaAttempt
	Detached   bool
}

func detachedOutcome(now time.Time) SyncOutcome {
	return SyncOutcome{
		StartedAt:  now,
		FinishedAt: now,
		Succeeded:  make([]string, 0),
		Failed:     make([]DeltaFailure, 0),
		Attempts:   make([]DeltaAttempt, 0),
		Detached:   true,
	}
}

var errSyncNotPersisted = errors.New("sync result not persisted")

type backendCall func(ctx context.Context, record Record) (Record, error)

func supportsAction(modelType ModelType, action Action) bool {
	return !(modelType == ModelTypePriceSchedule && action == ActionUpdate)
}

func (core *Core) callFor(modelType ModelType, action Action) (backendCall, error) {
	providerID := core.providerID
	switch {
	case modelType == ModelTypeMember && action == ActionCreate:
		return core.backend.CreateMember, nil
	case modelType == ModelTypeMember && action == ActionUpdate:
		return core.backend.UpdateMember, nil
	case modelType == ModelTypeIdentificationEvent && action == ActionCreate:
		return func(ctx context.Context, record Record) (Record, error) {
			return core.backend.CreateIdentificationEvent(ctx, providerID, record)
		}, nil
	case modelType == ModelTypeIdentificationEvent && action == ActionUpdate:
		return core.backend.UpdateIdentificationEvent, nil
	case modelType == ModelTypeEncounter && action == ActionCreate:
		return func(ctx context.Context, record Record) (Record, error) {
			return core.backend.CreateEncounter(ctx, providerID, record)
		}, nil
	case modelType == ModelTypeEncounter && action == ActionUpdate:
		return core.backend.UpdateEncounter, nil
	case modelType == ModelTypePriceSchedule && action == ActionCreate:
		return func(ctx context.Context, record Record) (Record, error) {
			return core.backend.CreatePriceSchedule(ctx, providerID, record)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedAction, action, modelType)
	}
}

func (core *Core) runSync(ctx context.Context) SyncOutcome {
	outcome := SyncOutcome{
		StartedAt: core.clock().UTC(),
		Succeeded: make([]string, 0),
		Failed:    make([]DeltaFailure, 0),
		Attempts:  make([]DeltaAttempt, 0),
	}

	for _, modelType := range SyncOrder {
		attempts := core.drainPhase(ctx, modelType)
		for _, attempt := range attempts {
			outcome.Attempts = append(outcome.Attempts, attempt)
			if attempt.Err == nil {
				outcome.Succeeded = append(outcome.Succeeded, attempt.Delta.ID)
				continue
			}
			outcome.Failed = append(outcome.Failed, DeltaFailure{
				DeltaID:   attempt.Delta.ID,
				ModelID:   attempt.Delta.ModelID,
				ModelType: attempt.Delta.ModelType,
				Err:       attempt.Err,
			})
		}
	}

	outcome.FinishedAt = core.clock().UTC()
	core.metrics.observeRun(outcome.FinishedAt.Sub(outcome.StartedAt))
	core.logger.Info("sync run finished",
		zap.Int("succeeded", len(outcome.Succeeded)),
		zap.Int("failed", len(outcome.Failed)))
	return outcome
}

// drainPhase replays every delta of one model type and waits for all of them to settle
// before returning. Requests are issued in append order: a delta is dispatched only
// after the previous one has been sent (see MarkIssued), while responses are awaited
// concurrently. Deltas for the same record are chained so each waits for its
// predecessor to settle; once one of them fails the later ones are skipped.
func (core *Core) drainPhase(ctx context.Context, modelType ModelType) []DeltaAttempt {
	deltas := core.Snapshot().deltas.ListByModelType(modelType)
	attempts := make([]DeltaAttempt, len(deltas))
	if len(deltas) == 0 {
		return attempts
	}

	var group errgroup.Group
	if core.maxInFlight > 0 {
		group.SetLimit(core.maxInFlight)
	}
	settled := make([]chan struct{}, len(deltas))
	issued := make([]*issueSignal, len(deltas))
	lastByModelID := make(map[string]int, len(deltas))
	for index, delta := range deltas {
		index, delta := index, delta
		settled[index] = make(chan struct{})
		issued[index] = newIssueSignal()
		predecessor, chained := lastByModelID[delta.ModelID]
		lastByModelID[delta.ModelID] = index
		group.Go(func() error {
			defer close(settled[index])
			defer issued[index].mark()
			if index > 0 {
				<-issued[index-1].done()
			}
			if chained {
				<-settled[predecessor]
				if previous := attempts[predecessor]; previous.Err != nil {
					attempts[index] = DeltaAttempt{Delta: delta, Err: core.skipDelta(delta, previous.Delta)}
					return nil
				}
			}
			callCtx := withIssueSignal(ctx, issued[index])
			attempts[index] = DeltaAttempt{Delta: delta, Err: core.syncDelta(callCtx, delta)}
			return nil
		})
	}
	_ = group.Wait()
	return attempts
}

func (core *Core) skipDelta(delta Delta, failed Delta) error {
	core.logger.Debug("delta skipped after earlier failure",
		zap.String("delta_id", delta.ID),
		zap.String("failed_delta_id", failed.ID),
		zap.String("model_id", delta.ModelID))
	return newCoreError(opSyncDelta, reasonPredecessorFailed, fmt.Errorf("%w: %s", ErrPredecessorFailed, failed.ID))
}

func (core *Core) syncDelta(ctx context.Context, delta Delta) error {
	err := core.replay(ctx, delta)
	core.metrics.observeAttempt(delta.ModelType, err)
	if err == nil {
		return nil
	}

	reason := reasonBackendFailed
	switch {
	case errors.Is(err, ErrMissingEntity):
		reason = reasonMissingEntity
	case errors.Is(err, errSyncNotPersisted):
		reason = reasonPersistFailed
	}
	fields := []zap.Field{
		zap.String("delta_id", delta.ID),
		zap.String("model_type", delta.ModelType.String()),
		zap.String("model_id", delta.ModelID),
	}
	message := fmt.Sprintf("sync %s %s for %s failed: %v", delta.ModelType, delta.Action, delta.ModelID, err)
	var statusErr StatusCoder
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("status_code", statusErr.StatusCode()))
		message = fmt.Sprintf("%s (status %d)", message, statusErr.StatusCode())
	}
	core.logError(opSyncDelta, reason, err, fields...)
	safeReport(core.reporter, message)
	return newCoreError(opSyncDelta, reason, err)
}

func (core *Core) replay(ctx context.Context, delta Delta) error {
	record, ok := core.Snapshot().Entities(delta.ModelType).GetByID(delta.ModelID)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrMissingEntity, delta.ModelType, delta.ModelID)
	}
	call, err := core.callFor(delta.ModelType, delta.Action)
	if err != nil {
		return err
	}
	canonical, err := call(ctx, record)
	if err != nil {
		return err
	}

	err = core.commit(ctx, func(current State) []Mutation {
		mutations := []Mutation{
			RemoveDelta{DeltaID: delta.ID},
			MarkSynced{At: core.clock()},
		}
		if canonical.ID() != delta.ModelID || hasOtherPendingDelta(current, delta) {
			return mutations
		}
		return append(mutations, UpsertMany{
			ModelType: delta.ModelType,
			Records:   map[string]Record{delta.ModelID: canonical},
		})
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errSyncNotPersisted, err)
	}
	return nil
}

// hasOtherPendingDelta reports whether the entity was edited again after this delta
// was queued, in which case the local record is newer than the server echo.
func hasOtherPendingDelta(state State, delta Delta) bool {
	for _, pending := range state.deltas.ListByModelType(delta.ModelType) {
		if pending.ID != delta.ID && pending.ModelID == delta.ModelID {
			return true
		}
	}
	return false
}
