package deltasync

import (
	"fmt"
	"strings"
)

// reference describes a field of one model type that points at a record of another,
// either as an embedded object, a bare id, or a sibling "<field>Id" string.
type reference struct {
	field  string
	target ModelType
}

var embeddedReferences = map[ModelType][]reference{
	ModelTypeIdentificationEvent: {
		{field: "member", target: ModelTypeMember},
		{field: "encounter", target: ModelTypeEncounter},
	},
	ModelTypeEncounter: {
		{field: "member", target: ModelTypeMember},
		{field: "identificationEvent", target: ModelTypeIdentificationEvent},
	},
}

// NormalizedGroups holds flat records per model type keyed by record id.
type NormalizedGroups map[ModelType]map[string]Record

// Normalize walks nested payloads of the given model type and splits every embedded
// record into its own group. Embedded objects are replaced by their id in the parent.
func Normalize(modelType ModelType, records []Record) (NormalizedGroups, error) {
	if !modelType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelType, modelType)
	}
	groups := make(NormalizedGroups)
	for _, record := range records {
		if err := groups.add(modelType, record); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (groups NormalizedGroups) add(modelType ModelType, record Record) error {
	id := record.ID()
	if id == "" {
		return fmt.Errorf("%w: %s record without id", ErrInvalidRecord, modelType)
	}
	flat := record.Clone()
	for _, ref := range embeddedReferences[modelType] {
		nested, ok := asRecord(flat[ref.field])
		if !ok {
			continue
		}
		if err := groups.add(ref.target, nested); err != nil {
			return err
		}
		flat[ref.field] = nested.ID()
	}

	group, ok := groups[modelType]
	if !ok {
		group = make(map[string]Record)
		groups[modelType] = group
	}
	if existing, ok := group[id]; ok {
		flat = existing.merge(flat)
	}
	group[id] = flat
	return nil
}

// Count returns the number of records in all groups.
func (groups NormalizedGroups) Count() int {
	total := 0
	for _, group := range groups {
		total += len(group)
	}
	return total
}

func referencedID(record Record, ref reference) string {
	switch value := record[ref.field].(type) {
	case string:
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	default:
		if nested, ok := asRecord(value); ok {
			if id := nested.ID(); id != "" {
				return id
			}
		}
	}
	return stringField(record, ref.field+"Id")
}

func asRecord(value any) (Record, bool) {
	switch typed := value.(type) {
	case Record:
		return typed, typed != nil
	case map[string]any:
		return Record(typed), typed != nil
	default:
		return nil, false
	}
}
