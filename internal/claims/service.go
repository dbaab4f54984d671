package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/claimsync/internal/deltasync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "claims.service.new"
	opCreate             = "claims.create"
	opUpdate             = "claims.update"
	opGet                = "claims.get"
	opList               = "claims.list"
	opListOpenEvents     = "claims.list_open_identification_events"
	recordIDField        = "id"
	referenceFieldSuffix = "Id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service stores the server copy of claim records and answers the client's create,
// update and fetch calls.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create stores a new record owned by the provider and returns the stored payload.
// Repeating a create for an id the provider already owns returns the stored record
// unchanged, so replayed client deltas are harmless.
func (s *Service) Create(ctx context.Context, providerID ProviderID, modelType deltasync.ModelType, payload deltasync.Record) (deltasync.Record, error) {
	if !modelType.Valid() {
		return nil, newServiceError(opCreate, "invalid_model_type", fmt.Errorf("%w: %q", deltasync.ErrUnknownModelType, modelType))
	}
	incoming := payload.Clone()
	if incoming == nil {
		incoming = deltasync.Record{}
	}
	if incoming.ID() == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err, zap.String("provider_id", providerID.String()))
			return nil, newServiceError(opCreate, "id_generation_failed", err)
		}
		incoming[recordIDField] = generated
	}
	recordID, err := NewRecordID(incoming.ID())
	if err != nil {
		return nil, newServiceError(opCreate, "invalid_record_id", err)
	}
	fields := []zap.Field{
		zap.String("provider_id", providerID.String()),
		zap.String("model_type", modelType.String()),
		zap.String("record_id", recordID.String()),
	}

	var stored deltasync.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.selectRecord(tx, modelType, recordID)
		if err != nil {
			s.logError(opCreate, "record_select_failed", err, fields...)
			return newServiceError(opCreate, "record_select_failed", err)
		}
		if found {
			if existing.ProviderID != providerID.String() {
				return newServiceError(opCreate, "owned_elsewhere", ErrRecordOwnedElsewhere)
			}
			stored, err = decodePayload(existing.PayloadJSON)
			if err != nil {
				s.logError(opCreate, "payload_decode_failed", err, fields...)
				return newServiceError(opCreate, "payload_decode_failed", err)
			}
			s.logger.Debug("create replay acknowledged", fields...)
			return nil
		}

		payloadJSON, err := json.Marshal(incoming)
		if err != nil {
			return newServiceError(opCreate, "payload_encode_failed", err)
		}
		now := s.clock().UTC().Unix()
		record := Record{
			ModelType:        modelType.String(),
			RecordID:         recordID.String(),
			ProviderID:       providerID.String(),
			PayloadJSON:      string(payloadJSON),
			Version:          1,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreate, "record_insert_failed", err, fields...)
			return newServiceError(opCreate, "record_insert_failed", err)
		}
		if err := s.audit(tx, record, ChangeOperationCreate); err != nil {
			s.logError(opCreate, "audit_insert_failed", err, fields...)
			return newServiceError(opCreate, "audit_insert_failed", err)
		}
		stored = incoming
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return stored, nil
}

// Update merges the top-level fields of patch into the stored record and returns the
// merged payload.
func (s *Service) Update(ctx context.Context, providerID ProviderID, modelType deltasync.ModelType, recordID RecordID, patch deltasync.Record) (deltasync.Record, error) {
	if !modelType.Valid() {
		return nil, newServiceError(opUpdate, "invalid_model_type", fmt.Errorf("%w: %q", deltasync.ErrUnknownModelType, modelType))
	}
	if modelType == deltasync.ModelTypePriceSchedule {
		return nil, newServiceError(opUpdate, "unsupported_operation", fmt.Errorf("%w: update %s", ErrUnsupportedOperation, modelType))
	}
	if patchID := patch.ID(); patchID != "" && patchID != recordID.String() {
		return nil, newServiceError(opUpdate, "id_mismatch", fmt.Errorf("%w: body id %q does not match %q", ErrInvalidRecordID, patchID, recordID))
	}
	fields := []zap.Field{
		zap.String("provider_id", providerID.String()),
		zap.String("model_type", modelType.String()),
		zap.String("record_id", recordID.String()),
	}

	var merged deltasync.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.selectRecord(tx, modelType, recordID)
		if err != nil {
			s.logError(opUpdate, "record_select_failed", err, fields...)
			return newServiceError(opUpdate, "record_select_failed", err)
		}
		if !found || existing.ProviderID != providerID.String() {
			return newServiceError(opUpdate, "not_found", ErrRecordNotFound)
		}
		current, err := decodePayload(existing.PayloadJSON)
		if err != nil {
			s.logError(opUpdate, "payload_decode_failed", err, fields...)
			return newServiceError(opUpdate, "payload_decode_failed", err)
		}
		for key, value := range patch {
			current[key] = value
		}
		current[recordIDField] = recordID.String()

		payloadJSON, err := json.Marshal(current)
		if err != nil {
			return newServiceError(opUpdate, "payload_encode_failed", err)
		}
		existing.PayloadJSON = string(payloadJSON)
		existing.Version++
		existing.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opUpdate, "record_save_failed", err, fields...)
			return newServiceError(opUpdate, "record_save_failed", err)
		}
		if err := s.audit(tx, existing, ChangeOperationUpdate); err != nil {
			s.logError(opUpdate, "audit_insert_failed", err, fields...)
			return newServiceError(opUpdate, "audit_insert_failed", err)
		}
		merged = current
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return merged, nil
}

// Get returns one record visible to the provider.
func (s *Service) Get(ctx context.Context, providerID ProviderID, modelType deltasync.ModelType, recordID RecordID) (deltasync.Record, error) {
	existing, found, err := s.selectRecord(s.db.WithContext(ctx), modelType, recordID)
	if err != nil {
		s.logError(opGet, "record_select_failed", err, zap.String("record_id", recordID.String()))
		return nil, newServiceError(opGet, "record_select_failed", err)
	}
	if !found || existing.ProviderID != providerID.String() {
		return nil, newServiceError(opGet, "not_found", ErrRecordNotFound)
	}
	payload, err := decodePayload(existing.PayloadJSON)
	if err != nil {
		return nil, newServiceError(opGet, "payload_decode_failed", err)
	}
	return payload, nil
}

// List returns every record of the model type owned by the provider, oldest first.
func (s *Service) List(ctx context.Context, providerID ProviderID, modelType deltasync.ModelType) ([]deltasync.Record, error) {
	if !modelType.Valid() {
		return nil, newServiceError(opList, "invalid_model_type", fmt.Errorf("%w: %q", deltasync.ErrUnknownModelType, modelType))
	}
	var rows []Record
	if err := s.db.WithContext(ctx).
		Where("provider_id = ? AND model_type = ?", providerID.String(), modelType.String()).
		Order("updated_at_s ASC, record_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err,
			zap.String("provider_id", providerID.String()),
			zap.String("model_type", modelType.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}

	payloads := make([]deltasync.Record, 0, len(rows))
	for _, row := range rows {
		payload, err := decodePayload(row.PayloadJSON)
		if err != nil {
			s.logError(opList, "payload_decode_failed", err, zap.String("record_id", row.RecordID))
			return nil, newServiceError(opList, "payload_decode_failed", err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// ListOpenIdentificationEvents returns the provider's identification events that are
// not closed, each with its member and encounter embedded.
func (s *Service) ListOpenIdentificationEvents(ctx context.Context, providerID ProviderID) ([]deltasync.Record, error) {
	events, err := s.List(ctx, providerID, deltasync.ModelTypeIdentificationEvent)
	if err != nil {
		return nil, err
	}
	members, err := s.List(ctx, providerID, deltasync.ModelTypeMember)
	if err != nil {
		return nil, err
	}
	encounters, err := s.List(ctx, providerID, deltasync.ModelTypeEncounter)
	if err != nil {
		return nil, err
	}

	membersByID := indexByID(members)
	encountersByID := indexByID(encounters)
	encountersByEvent := make(map[string]deltasync.Record, len(encounters))
	for _, encounter := range encounters {
		if eventID := referenceOf(encounter, "identificationEvent"); eventID != "" {
			encountersByEvent[eventID] = encounter
		}
	}

	open := make([]deltasync.Record, 0, len(events))
	for _, event := range events {
		if status, _ := event["status"].(string); strings.EqualFold(status, StatusClosed) {
			continue
		}
		composite := event.Clone()
		if member, ok := membersByID[referenceOf(event, "member")]; ok {
			composite["member"] = member
		}
		encounter, ok := encountersByID[referenceOf(event, "encounter")]
		if !ok {
			encounter, ok = encountersByEvent[event.ID()]
		}
		if ok {
			composite["encounter"] = encounter
		}
		open = append(open, composite)
	}
	s.logger.Debug("open identification events listed",
		zap.String("provider_id", providerID.String()),
		zap.Int("count", len(open)))
	return open, nil
}

func (s *Service) selectRecord(tx *gorm.DB, modelType deltasync.ModelType, recordID RecordID) (Record, bool, error) {
	var existing Record
	err := tx.Where("model_type = ? AND record_id = ?", modelType.String(), recordID.String()).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return existing, true, nil
}

func (s *Service) audit(tx *gorm.DB, record Record, operation ChangeOperation) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	return tx.Create(&RecordChange{
		ChangeID:         changeID,
		ProviderID:       record.ProviderID,
		ModelType:        record.ModelType,
		RecordID:         record.RecordID,
		AppliedAtSeconds: record.UpdatedAtSeconds,
		Operation:        operation,
		PayloadJSON:      record.PayloadJSON,
		NewVersion:       record.Version,
	}).Error
}

func decodePayload(payloadJSON string) (deltasync.Record, error) {
	var payload deltasync.Record
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = deltasync.Record{}
	}
	return payload, nil
}

func indexByID(records []deltasync.Record) map[string]deltasync.Record {
	indexed := make(map[string]deltasync.Record, len(records))
	for _, record := range records {
		indexed[record.ID()] = record
	}
	return indexed
}

// referenceOf reads a reference stored as a bare id or as a sibling "<field>Id".
func referenceOf(record deltasync.Record, field string) string {
	if value, ok := record[field].(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	if value, ok := record[field+referenceFieldSuffix].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("claims service error", attrs...)
}
