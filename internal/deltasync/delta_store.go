package deltasync

import (
	"encoding/json"
	"slices"
)

// DeltaStore is an append-ordered log of pending deltas. It is a value type: every
// mutation returns a new store and leaves the receiver untouched, so snapshots held by
// readers never change underneath them.
type DeltaStore struct {
	deltas []Delta
}

// NewDeltaStore builds a store from deltas in append order.
func NewDeltaStore(deltas ...Delta) (DeltaStore, error) {
	store := DeltaStore{}
	for _, delta := range deltas {
		next, err := store.Append(delta)
		if err != nil {
			return DeltaStore{}, err
		}
		store = next
	}
	return store, nil
}

// Append inserts a delta keyed by its own id. Appending an id that is already present
// replaces that entry without changing its position.
func (store DeltaStore) Append(delta Delta) (DeltaStore, error) {
	if err := delta.validate(); err != nil {
		return store, err
	}
	if index := store.indexOf(delta.ID); index >= 0 {
		next := slices.Clone(store.deltas)
		next[index] = delta
		return DeltaStore{deltas: next}, nil
	}
	next := make([]Delta, len(store.deltas), len(store.deltas)+1)
	copy(next, store.deltas)
	return DeltaStore{deltas: append(next, delta)}, nil
}

// Remove deletes the delta with the given id. Removing an absent id is a no-op.
func (store DeltaStore) Remove(deltaID string) DeltaStore {
	index := store.indexOf(deltaID)
	if index < 0 {
		return store
	}
	next := make([]Delta, 0, len(store.deltas)-1)
	next = append(next, store.deltas[:index]...)
	next = append(next, store.deltas[index+1:]...)
	return DeltaStore{deltas: next}
}

// Get returns the delta with the given id.
func (store DeltaStore) Get(deltaID string) (Delta, bool) {
	index := store.indexOf(deltaID)
	if index < 0 {
		return Delta{}, false
	}
	return store.deltas[index], true
}

// ListByModelType returns the deltas for a model type in append order.
func (store DeltaStore) ListByModelType(modelType ModelType) []Delta {
	matches := make([]Delta, 0)
	for _, delta := range store.deltas {
		if delta.ModelType == modelType {
			matches = append(matches, delta)
		}
	}
	return matches
}

// CountByModelType counts deltas for a model type. With filterSynced set only deltas
// not flagged as synced are counted.
func (store DeltaStore) CountByModelType(modelType ModelType, filterSynced bool) int {
	count := 0
	for _, delta := range store.deltas {
		if delta.ModelType != modelType {
			continue
		}
		if filterSynced && delta.Synced {
			continue
		}
		count++
	}
	return count
}

// unsyncedIDs returns the distinct model ids referenced by deltas of a model type.
func (store DeltaStore) unsyncedIDs(modelType ModelType) idSet {
	ids := make(idSet)
	for _, delta := range store.deltas {
		if delta.ModelType == modelType {
			ids.add(delta.ModelID)
		}
	}
	return ids
}

// All returns every delta in append order.
func (store DeltaStore) All() []Delta {
	return slices.Clone(store.deltas)
}

// Len returns the number of stored deltas.
func (store DeltaStore) Len() int {
	return len(store.deltas)
}

// MarshalJSON encodes the store as an ordered array.
func (store DeltaStore) MarshalJSON() ([]byte, error) {
	if store.deltas == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(store.deltas)
}

// UnmarshalJSON decodes an ordered array, validating every delta.
func (store *DeltaStore) UnmarshalJSON(data []byte) error {
	var deltas []Delta
	if err := json.Unmarshal(data, &deltas); err != nil {
		return err
	}
	decoded, err := NewDeltaStore(deltas...)
	if err != nil {
		return err
	}
	*store = decoded
	return nil
}

func (store DeltaStore) indexOf(deltaID string) int {
	return slices.IndexFunc(store.deltas, func(delta Delta) bool {
		return delta.ID == deltaID
	})
}

type idSet map[string]struct{}

func (set idSet) add(id string) {
	if id == "" {
		return
	}
	set[id] = struct{}{}
}

func (set idSet) has(id string) bool {
	_, ok := set[id]
	return ok
}

func (set idSet) union(other idSet) idSet {
	merged := make(idSet, len(set)+len(other))
	for id := range set {
		merged[id] = struct{}{}
	}
	for id := range other {
		merged[id] = struct{}{}
	}
	return merged
}
