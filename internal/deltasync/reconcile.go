package deltasync

import "fmt"

// ReconcileResult describes how a fetched server collection was folded into local
// state. Records is the reconciled view: kept server records followed by the locally
// unsynced records of the same type. Dropped lists server ids excluded in favour of
// local state, and Merged counts the records written into each entity store.
type ReconcileResult struct {
	Records []Record
	Dropped []string
	Merged  map[ModelType]int
}

// reconcile computes the view of a server collection that is safe to merge and the
// mutations that merge it. It does not touch the receiver.
func reconcile(state State, modelType ModelType, serverRecords []Record) (ReconcileResult, []Mutation, error) {
	if !modelType.Valid() {
		return ReconcileResult{}, nil, fmt.Errorf("%w: %q", ErrUnknownModelType, modelType)
	}

	protected := newProtectedIndex(state)
	result := ReconcileResult{
		Records: make([]Record, 0, len(serverRecords)),
		Dropped: make([]string, 0),
		Merged:  make(map[ModelType]int),
	}

	kept := make([]Record, 0, len(serverRecords))
	for _, record := range serverRecords {
		id := record.ID()
		if id == "" {
			return ReconcileResult{}, nil, fmt.Errorf("%w: %s record without id", ErrInvalidRecord, modelType)
		}
		if protected.of(modelType).has(id) || protected.referencedBy(modelType, record) {
			result.Dropped = append(result.Dropped, id)
			continue
		}
		kept = append(kept, record)
	}
	result.Records = append(result.Records, kept...)
	result.Records = append(result.Records, localUnsyncedRecords(state, modelType)...)

	groups, err := Normalize(modelType, kept)
	if err != nil {
		return ReconcileResult{}, nil, err
	}

	mutations := make([]Mutation, 0, len(groups))
	for _, groupType := range SyncOrder {
		group := groups[groupType]
		if len(group) == 0 {
			continue
		}
		unsynced := state.deltas.unsyncedIDs(groupType)
		safe := make(map[string]Record, len(group))
		for id, record := range group {
			if unsynced.has(id) {
				continue
			}
			safe[id] = record
		}
		if len(safe) == 0 {
			continue
		}
		mutations = append(mutations, UpsertMany{ModelType: groupType, Records: safe})
		result.Merged[groupType] = len(safe)
	}
	return result, mutations, nil
}

// localUnsyncedRecords returns the stored records that have pending deltas, ordered by
// the first delta that references them.
func localUnsyncedRecords(state State, modelType ModelType) []Record {
	entities := state.Entities(modelType)
	seen := make(idSet)
	records := make([]Record, 0)
	for _, delta := range state.deltas.ListByModelType(modelType) {
		if seen.has(delta.ModelID) {
			continue
		}
		seen.add(delta.ModelID)
		if record, ok := entities.GetByID(delta.ModelID); ok {
			records = append(records, record)
		}
	}
	return records
}

// protectedIndex lazily computes, per model type, the ids that server data must not
// overwrite: the type's own unsynced ids united with the ids of that type referenced
// by locally held records of other unsynced types.
type protectedIndex struct {
	state State
	cache map[ModelType]idSet
}

func newProtectedIndex(state State) *protectedIndex {
	return &protectedIndex{state: state, cache: make(map[ModelType]idSet)}
}

func (index *protectedIndex) of(modelType ModelType) idSet {
	if ids, ok := index.cache[modelType]; ok {
		return ids
	}
	referenced := make(idSet)
	for ownerType, references := range embeddedReferences {
		for _, ref := range references {
			if ref.target != modelType {
				continue
			}
			owners := index.state.Entities(ownerType)
			for ownerID := range index.state.deltas.unsyncedIDs(ownerType) {
				owner, ok := owners.GetByID(ownerID)
				if !ok {
					continue
				}
				referenced.add(referencedID(owner, ref))
			}
		}
	}
	ids := index.state.deltas.unsyncedIDs(modelType).union(referenced)
	index.cache[modelType] = ids
	return ids
}

func (index *protectedIndex) referencedBy(modelType ModelType, record Record) bool {
	for _, ref := range embeddedReferences[modelType] {
		id := referencedID(record, ref)
		if id != "" && index.of(ref.target).has(id) {
			return true
		}
	}
	return false
}
