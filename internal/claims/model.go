package claims

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ChangeOperation enumerates the audited write operations.
type ChangeOperation string

const (
	// ChangeOperationCreate records the first write of a record.
	ChangeOperationCreate ChangeOperation = "create"
	// ChangeOperationUpdate records a shallow-merge update.
	ChangeOperationUpdate ChangeOperation = "update"
)

// StatusClosed marks identification events excluded from the open work view.
const StatusClosed = "closed"

var (
	// ErrInvalidProviderID indicates that a provider identifier is empty or exceeds storage bounds.
	ErrInvalidProviderID = errors.New("claims: invalid provider id")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("claims: invalid record id")
	// ErrRecordNotFound indicates that no record with the id is visible to the provider.
	ErrRecordNotFound = errors.New("claims: record not found")
	// ErrRecordOwnedElsewhere indicates that the id is already taken by another provider.
	ErrRecordOwnedElsewhere = errors.New("claims: record owned by another provider")
	// ErrUnsupportedOperation indicates an operation the model type does not allow.
	ErrUnsupportedOperation = errors.New("claims: unsupported operation")
)

// ProviderID represents a validated provider identifier.
type ProviderID string

// NewProviderID validates raw input and returns a ProviderID.
func NewProviderID(rawInput string) (ProviderID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProviderID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProviderID, maxIdentifierLength)
	}
	return ProviderID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProviderID) String() string {
	return string(id)
}

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// Record is the persisted server copy of a member, identification event, encounter or
// price schedule.
type Record struct {
	ModelType        string `gorm:"column:model_type;primaryKey;size:64;not null;index:idx_claim_records_provider_type,priority:2"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	ProviderID       string `gorm:"column:provider_id;size:190;not null;index:idx_claim_records_provider_type,priority:1"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_claim_records_provider_type,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "claim_records"
}

// RecordChange captures an append-only audit trail for record writes.
type RecordChange struct {
	ChangeID         string          `gorm:"column:change_id;primaryKey;size:190;not null"`
	ProviderID       string          `gorm:"column:provider_id;not null;index:idx_claim_changes_provider_time,priority:1"`
	ModelType        string          `gorm:"column:model_type;size:64;not null"`
	RecordID         string          `gorm:"column:record_id;size:190;not null"`
	AppliedAtSeconds int64           `gorm:"column:applied_at_s;not null;index:idx_claim_changes_provider_time,priority:2"`
	Operation        ChangeOperation `gorm:"column:op;not null"`
	PayloadJSON      string          `gorm:"column:payload_json;type:text;not null"`
	NewVersion       int64           `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "claim_record_changes"
}
