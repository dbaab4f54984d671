package deltasync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ModelType enumerates the record collections that participate in offline sync.
type ModelType string

const (
	// ModelTypeMember identifies enrolled members.
	ModelTypeMember ModelType = "Member"
	// ModelTypePriceSchedule identifies provider price schedules.
	ModelTypePriceSchedule ModelType = "PriceSchedule"
	// ModelTypeIdentificationEvent identifies member check-in events.
	ModelTypeIdentificationEvent ModelType = "IdentificationEvent"
	// ModelTypeEncounter identifies encounters (claims).
	ModelTypeEncounter ModelType = "Encounter"
)

// SyncOrder is the dependency order in which model types are drained.
var SyncOrder = []ModelType{
	ModelTypeMember,
	ModelTypePriceSchedule,
	ModelTypeIdentificationEvent,
	ModelTypeEncounter,
}

// Action enumerates the backend mutation a delta replays.
type Action string

const (
	// ActionCreate replays as a backend create.
	ActionCreate Action = "POST"
	// ActionUpdate replays as a backend update.
	ActionUpdate Action = "PATCH"
)

const recordIDField = "id"

var (
	// ErrUnknownModelType indicates a model type outside the supported set.
	ErrUnknownModelType = errors.New("deltasync: unknown model type")
	// ErrUnknownAction indicates an action other than POST or PATCH.
	ErrUnknownAction = errors.New("deltasync: unknown action")
	// ErrUnsupportedAction indicates the backend offers no call for the model/action pair.
	ErrUnsupportedAction = errors.New("deltasync: unsupported action")
	// ErrInvalidDelta indicates a delta is missing one of its required fields.
	ErrInvalidDelta = errors.New("deltasync: invalid delta")
	// ErrInvalidRecord indicates a record without a usable id.
	ErrInvalidRecord = errors.New("deltasync: invalid record")
	// ErrMissingEntity indicates a delta references an entity absent from its store.
	ErrMissingEntity = errors.New("deltasync: missing entity")
	// ErrPredecessorFailed indicates an earlier delta for the same record failed in this run.
	ErrPredecessorFailed = errors.New("deltasync: earlier delta for record failed")
)

// ParseModelType validates raw input and returns a ModelType.
func ParseModelType(rawInput string) (ModelType, error) {
	trimmed := strings.TrimSpace(rawInput)
	for _, modelType := range SyncOrder {
		if strings.EqualFold(trimmed, string(modelType)) {
			return modelType, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModelType, rawInput)
}

// Valid reports whether the model type is part of the supported set.
func (modelType ModelType) Valid() bool {
	for _, candidate := range SyncOrder {
		if candidate == modelType {
			return true
		}
	}
	return false
}

// String returns the model type name.
func (modelType ModelType) String() string {
	return string(modelType)
}

// Valid reports whether the action is POST or PATCH.
func (action Action) Valid() bool {
	return action == ActionCreate || action == ActionUpdate
}

// Record is the JSON-shaped content of an entity. Every record carries an "id".
type Record map[string]any

// ID returns the record identifier, or an empty string when absent.
func (record Record) ID() string {
	return stringField(record, recordIDField)
}

// Clone returns a shallow copy of the record.
func (record Record) Clone() Record {
	if record == nil {
		return nil
	}
	copied := make(Record, len(record))
	for key, value := range record {
		copied[key] = value
	}
	return copied
}

// merge returns a copy of record with incoming top-level fields written over it.
func (record Record) merge(incoming Record) Record {
	merged := make(Record, len(record)+len(incoming))
	for key, value := range record {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}

func stringField(record Record, field string) string {
	if record == nil {
		return ""
	}
	value, ok := record[field].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Delta is a queued local mutation awaiting server confirmation. Deltas reference
// entities by id and never embed the payload. Synced stays false while a delta is
// stored; confirmed deltas are removed rather than flagged.
type Delta struct {
	ID        string    `json:"id"`
	ModelID   string    `json:"modelId"`
	ModelType ModelType `json:"modelType"`
	Action    Action    `json:"action"`
	Synced    bool      `json:"synced"`
	CreatedAt time.Time `json:"createdAt"`
}

func (delta Delta) validate() error {
	if strings.TrimSpace(delta.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDelta)
	}
	if strings.TrimSpace(delta.ModelID) == "" {
		return fmt.Errorf("%w: empty model id", ErrInvalidDelta)
	}
	if !delta.ModelType.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidDelta, ErrUnknownModelType, delta.ModelType)
	}
	if !delta.Action.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidDelta, ErrUnknownAction, delta.Action)
	}
	return nil
}
