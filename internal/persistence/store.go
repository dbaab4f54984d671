package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxKeyLength = 190

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidKey indicates that a state key is empty or exceeds storage bounds.
	ErrInvalidKey = errors.New("persistence: invalid key")
	noOpLogger    = zap.NewNop()
)

const (
	opStoreNew = "persistence.store.new"
	opGet      = "persistence.get"
	opSet      = "persistence.set"
	opRemove   = "persistence.remove"
	opBatch    = "persistence.write_batch"
)

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Entry is one persisted state document.
type Entry struct {
	Key              string `gorm:"column:state_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_state_entries"
}

type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is a key/value document store on top of a gorm database.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the stored value for key. The boolean is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, newStoreError(opGet, "invalid_key", err)
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("state_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("key", key))
		return nil, false, newStoreError(opGet, "select_failed", err)
	}
	return []byte(entry.Value), true, nil
}

// Set writes value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return newStoreError(opSet, "invalid_key", err)
	}
	entry := Entry{
		Key:              key,
		Value:            string(value),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		s.logError(opSet, "upsert_failed", err, zap.String("key", key))
		return newStoreError(opSet, "upsert_failed", err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return newStoreError(opRemove, "invalid_key", err)
	}
	if err := s.db.WithContext(ctx).Where("state_key = ?", key).Delete(&Entry{}).Error; err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("key", key))
		return newStoreError(opRemove, "delete_failed", err)
	}
	return nil
}

// WriteBatch applies every set and remove in one transaction.
func (s *Store) WriteBatch(ctx context.Context, sets map[string][]byte, removes []string) error {
	for key := range sets {
		if err := validateKey(key); err != nil {
			return newStoreError(opBatch, "invalid_key", err)
		}
	}
	for _, key := range removes {
		if err := validateKey(key); err != nil {
			return newStoreError(opBatch, "invalid_key", err)
		}
	}

	updatedAt := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(sets) > 0 {
			entries := make([]Entry, 0, len(sets))
			for key, value := range sets {
				entries = append(entries, Entry{Key: key, Value: string(value), UpdatedAtSeconds: updatedAt})
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "state_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
			}).Create(&entries).Error; err != nil {
				return err
			}
		}
		if len(removes) > 0 {
			if err := tx.Where("state_key IN ?", removes).Delete(&Entry{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opBatch, "transaction_failed", err,
			zap.Int("sets", len(sets)),
			zap.Int("removes", len(removes)))
		return newStoreError(opBatch, "transaction_failed", err)
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("persistence error", attrs...)
}
