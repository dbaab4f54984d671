package deltasync

import (
	"encoding/json"
	"fmt"
)

// EntityStore maps record ids to the latest known record for one model type. Like
// DeltaStore it is a value type; upserts return a new store.
type EntityStore struct {
	records map[string]Record
}

// NewEntityStore builds a store from an id-keyed mapping.
func NewEntityStore(records map[string]Record) EntityStore {
	return EntityStore{}.UpsertMany(records)
}

// UpsertMany shallow-merges each incoming record over the stored record with the same
// id. Ids absent from the batch are untouched.
func (store EntityStore) UpsertMany(records map[string]Record) EntityStore {
	if len(records) == 0 {
		return store
	}
	next := make(map[string]Record, len(store.records)+len(records))
	for id, record := range store.records {
		next[id] = record
	}
	for id, incoming := range records {
		if id == "" {
			continue
		}
		existing, ok := next[id]
		if !ok {
			existing = Record{}
		}
		next[id] = existing.merge(incoming)
	}
	return EntityStore{records: next}
}

// UpsertOne is UpsertMany for a single record keyed by its own id.
func (store EntityStore) UpsertOne(record Record) (EntityStore, error) {
	id := record.ID()
	if id == "" {
		return store, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	return store.UpsertMany(map[string]Record{id: record}), nil
}

// GetByID returns a copy of the record, or false when the id is unknown.
func (store EntityStore) GetByID(id string) (Record, bool) {
	record, ok := store.records[id]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// GetAll returns a copy of the full mapping.
func (store EntityStore) GetAll() map[string]Record {
	all := make(map[string]Record, len(store.records))
	for id, record := range store.records {
		all[id] = record.Clone()
	}
	return all
}

// Len returns the number of stored records.
func (store EntityStore) Len() int {
	return len(store.records)
}

// MarshalJSON encodes the store as an id-keyed object.
func (store EntityStore) MarshalJSON() ([]byte, error) {
	if store.records == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(store.records)
}

// UnmarshalJSON decodes an id-keyed object.
func (store *EntityStore) UnmarshalJSON(data []byte) error {
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	*store = NewEntityStore(records)
	return nil
}
