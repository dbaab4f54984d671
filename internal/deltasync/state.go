package deltasync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	stateKeyDeltas       = "deltas"
	stateKeyLastSyncedAt = "last_synced_at"
	stateKeyEntityPrefix = "entities/"
)

// Persistence is the durable key/value collaborator. Values are JSON documents.
type Persistence interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// BatchWriter is implemented by persistence that can apply several writes
// atomically. Either every set and remove takes effect or none does.
type BatchWriter interface {
	WriteBatch(ctx context.Context, sets map[string][]byte, removes []string) error
}

// Mutation is the closed set of state transitions. Only the types in this file
// implement it.
type Mutation interface {
	mutation()
}

// AppendDelta appends a delta to the delta store.
type AppendDelta struct {
	Delta Delta
}

// RemoveDelta removes a delta by id.
type RemoveDelta struct {
	DeltaID string
}

// UpsertMany merges records into one model type's entity store.
type UpsertMany struct {
	ModelType ModelType
	Records   map[string]Record
}

// MarkSynced records the last successful sync time.
type MarkSynced struct {
	At time.Time
}

func (AppendDelta) mutation() {}
func (RemoveDelta) mutation() {}
func (UpsertMany) mutation()  {}
func (MarkSynced) mutation()  {}

// State is an immutable snapshot of the delta store, the entity stores and the
// last-sync timestamp.
type State struct {
	deltas       DeltaStore
	entities     map[ModelType]EntityStore
	lastSyncedAt time.Time
}

// Deltas returns the delta store snapshot.
func (state State) Deltas() DeltaStore {
	return state.deltas
}

// Entities returns the entity store snapshot for a model type.
func (state State) Entities(modelType ModelType) EntityStore {
	return state.entities[modelType]
}

// LastSyncedAt returns the last successful sync time, if any.
func (state State) LastSyncedAt() (time.Time, bool) {
	return state.lastSyncedAt, !state.lastSyncedAt.IsZero()
}

type stateKeys map[string]struct{}

func (keys stateKeys) mark(key string) {
	keys[key] = struct{}{}
}

// ordered lists the keys with entity stores first and the delta store last, so a
// partially applied write never leaves a delta without its entity.
func (keys stateKeys) ordered() []string {
	ordered := make([]string, 0, len(keys))
	for _, modelType := range SyncOrder {
		if _, ok := keys[entityStateKey(modelType)]; ok {
			ordered = append(ordered, entityStateKey(modelType))
		}
	}
	for _, key := range []string{stateKeyLastSyncedAt, stateKeyDeltas} {
		if _, ok := keys[key]; ok {
			ordered = append(ordered, key)
		}
	}
	return ordered
}

func entityStateKey(modelType ModelType) string {
	return stateKeyEntityPrefix + modelType.String()
}

// Apply returns the state produced by the mutations, applied in order.
func (state State) Apply(mutations ...Mutation) (State, error) {
	next, _, err := state.apply(mutations)
	return next, err
}

func (state State) apply(mutations []Mutation) (State, stateKeys, error) {
	next := state
	dirty := make(stateKeys)
	for _, mutation := range mutations {
		switch typed := mutation.(type) {
		case AppendDelta:
			deltas, err := next.deltas.Append(typed.Delta)
			if err != nil {
				return state, nil, err
			}
			next.deltas = deltas
			dirty.mark(stateKeyDeltas)
		case RemoveDelta:
			deltas := next.deltas.Remove(typed.DeltaID)
			if deltas.Len() != next.deltas.Len() {
				next.deltas = deltas
				dirty.mark(stateKeyDeltas)
			}
		case UpsertMany:
			if !typed.ModelType.Valid() {
				return state, nil, fmt.Errorf("%w: %q", ErrUnknownModelType, typed.ModelType)
			}
			if len(typed.Records) == 0 {
				continue
			}
			entities := make(map[ModelType]EntityStore, len(next.entities)+1)
			for modelType, store := range next.entities {
				entities[modelType] = store
			}
			entities[typed.ModelType] = entities[typed.ModelType].UpsertMany(typed.Records)
			next.entities = entities
			dirty.mark(entityStateKey(typed.ModelType))
		case MarkSynced:
			next.lastSyncedAt = typed.At.UTC()
			dirty.mark(stateKeyLastSyncedAt)
		default:
			panic(fmt.Sprintf("deltasync: unhandled mutation %T", mutation))
		}
	}
	return next, dirty, nil
}

// persist writes the dirty keys of the state as one unit. A BatchWriter commits them
// in a single transaction. Otherwise keys are written one at a time with the delta
// store last, and keys already written are restored to their previous values when a
// later write fails.
func (state State) persist(ctx context.Context, persistence Persistence, dirty stateKeys) error {
	sets := make(map[string][]byte, len(dirty))
	removes := make([]string, 0, 1)
	for _, key := range dirty.ordered() {
		if key == stateKeyDeltas && state.deltas.Len() == 0 {
			removes = append(removes, key)
			continue
		}
		value, err := state.encode(key)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		sets[key] = value
	}

	if batch, ok := persistence.(BatchWriter); ok {
		if err := batch.WriteBatch(ctx, sets, removes); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		return nil
	}
	return writeWithRollback(ctx, persistence, dirty.ordered(), sets)
}

type previousValue struct {
	key     string
	value   []byte
	present bool
}

func writeWithRollback(ctx context.Context, persistence Persistence, keys []string, sets map[string][]byte) error {
	written := make([]previousValue, 0, len(keys))
	for _, key := range keys {
		old, present, err := persistence.Get(ctx, key)
		if err != nil {
			rollback(ctx, persistence, written)
			return fmt.Errorf("read %s: %w", key, err)
		}
		value, isSet := sets[key]
		if isSet {
			err = persistence.Set(ctx, key, value)
		} else {
			err = persistence.Remove(ctx, key)
		}
		if err != nil {
			rollback(ctx, persistence, written)
			if isSet {
				return fmt.Errorf("write %s: %w", key, err)
			}
			return fmt.Errorf("remove %s: %w", key, err)
		}
		written = append(written, previousValue{key: key, value: old, present: present})
	}
	return nil
}

// rollback restores keys newest first. It is best effort: the store already failed once.
func rollback(ctx context.Context, persistence Persistence, written []previousValue) {
	for index := len(written) - 1; index >= 0; index-- {
		previous := written[index]
		if previous.present {
			_ = persistence.Set(ctx, previous.key, previous.value)
			continue
		}
		_ = persistence.Remove(ctx, previous.key)
	}
}

func (state State) encode(key string) ([]byte, error) {
	switch key {
	case stateKeyDeltas:
		return json.Marshal(state.deltas)
	case stateKeyLastSyncedAt:
		return json.Marshal(state.lastSyncedAt)
	}
	for _, modelType := range SyncOrder {
		if key == entityStateKey(modelType) {
			return json.Marshal(state.entities[modelType])
		}
	}
	return nil, fmt.Errorf("unknown state key %q", key)
}

func restoreState(ctx context.Context, persistence Persistence) (State, error) {
	state := State{entities: make(map[ModelType]EntityStore, len(SyncOrder))}

	if err := readStateKey(ctx, persistence, stateKeyDeltas, &state.deltas); err != nil {
		return State{}, err
	}
	if err := readStateKey(ctx, persistence, stateKeyLastSyncedAt, &state.lastSyncedAt); err != nil {
		return State{}, err
	}
	for _, modelType := range SyncOrder {
		var store EntityStore
		if err := readStateKey(ctx, persistence, entityStateKey(modelType), &store); err != nil {
			return State{}, err
		}
		state.entities[modelType] = store
	}
	return state, nil
}

func readStateKey(ctx context.Context, persistence Persistence, key string, target any) error {
	value, ok, err := persistence.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || len(value) == 0 {
		return nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
