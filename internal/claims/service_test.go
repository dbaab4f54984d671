package claims

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/claimsync/internal/deltasync"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("generated-%d", g.next), nil
}

var testServiceTime = time.Unix(1760520000, 0).UTC()

func TestServiceCreateStoresRecordAndAudit(t *testing.T) {
	service, db := newTestService(t)
	provider := mustProviderID(t, "provider-1")

	stored, err := service.Create(context.Background(), provider, deltasync.ModelTypeMember, deltasync.Record{
		"id":       "m1",
		"fullName": "Amina Yusuf",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored["fullName"] != "Amina Yusuf" || stored.ID() != "m1" {
		t.Fatalf("unexpected stored payload: %#v", stored)
	}

	var row Record
	if err := db.Where("model_type = ? AND record_id = ?", "Member", "m1").Take(&row).Error; err != nil {
		t.Fatalf("failed to load stored record: %v", err)
	}
	if row.ProviderID != "provider-1" || row.Version != 1 || row.CreatedAtSeconds != testServiceTime.Unix() {
		t.Fatalf("unexpected row: %#v", row)
	}
	var changes []RecordChange
	if err := db.Find(&changes).Error; err != nil {
		t.Fatalf("failed to load audit trail: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != ChangeOperationCreate || changes[0].NewVersion != 1 {
		t.Fatalf("unexpected audit trail: %#v", changes)
	}
}

func TestServiceCreateIsIdempotent(t *testing.T) {
	service, db := newTestService(t)
	provider := mustProviderID(t, "provider-1")
	ctx := context.Background()

	if _, err := service.Create(ctx, provider, deltasync.ModelTypeEncounter, deltasync.Record{"id": "e1", "status": "draft"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	replayed, err := service.Create(ctx, provider, deltasync.ModelTypeEncounter, deltasync.Record{"id": "e1", "status": "other"})
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}
	if replayed["status"] != "draft" {
		t.Fatalf("replay should return the stored record, got %#v", replayed)
	}
	var count int64
	if err := db.Model(&RecordChange{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("replay must not write another audit entry, got %d", count)
	}
}

func TestServiceCreateRejectsForeignOwner(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Create(ctx, mustProviderID(t, "provider-1"), deltasync.ModelTypeMember, deltasync.Record{"id": "m1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := service.Create(ctx, mustProviderID(t, "provider-2"), deltasync.ModelTypeMember, deltasync.Record{"id": "m1"})
	if !errors.Is(err, ErrRecordOwnedElsewhere) {
		t.Fatalf("expected owned elsewhere error, got %v", err)
	}
}

func TestServiceCreateAssignsMissingID(t *testing.T) {
	service, _ := newTestService(t)
	stored, err := service.Create(context.Background(), mustProviderID(t, "provider-1"), deltasync.ModelTypePriceSchedule, deltasync.Record{"name": "Standard"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID() != "generated-1" {
		t.Fatalf("expected generated id, got %#v", stored)
	}
}

func TestServiceUpdateMergesShallowly(t *testing.T) {
	service, db := newTestService(t)
	provider := mustProviderID(t, "provider-1")
	ctx := context.Background()
	if _, err := service.Create(ctx, provider, deltasync.ModelTypeEncounter, deltasync.Record{
		"id":     "e1",
		"status": "draft",
		"items":  map[string]any{"consultation": 1},
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	merged, err := service.Update(ctx, provider, deltasync.ModelTypeEncounter, mustRecordID(t, "e1"), deltasync.Record{
		"status": "submitted",
		"items":  map[string]any{"lab": 2},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if merged["status"] != "submitted" {
		t.Fatalf("expected status to be replaced, got %#v", merged)
	}
	items, _ := merged["items"].(map[string]any)
	if len(items) != 1 || items["lab"] == nil {
		t.Fatalf("nested values must be replaced, got %#v", merged["items"])
	}

	var row Record
	if err := db.Where("record_id = ?", "e1").Take(&row).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if row.Version != 2 {
		t.Fatalf("expected version 2, got %d", row.Version)
	}
}

func TestServiceUpdateErrors(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	owner := mustProviderID(t, "provider-1")
	if _, err := service.Create(ctx, owner, deltasync.ModelTypeMember, deltasync.Record{"id": "m1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	testCases := []struct {
		name      string
		provider  ProviderID
		modelType deltasync.ModelType
		recordID  string
		patch     deltasync.Record
		want      error
		wantCode  string
	}{
		{name: "missing", provider: owner, modelType: deltasync.ModelTypeMember, recordID: "m404", want: ErrRecordNotFound, wantCode: "claims.update.not_found"},
		{name: "other-provider", provider: mustProviderID(t, "provider-2"), modelType: deltasync.ModelTypeMember, recordID: "m1", want: ErrRecordNotFound, wantCode: "claims.update.not_found"},
		{name: "price-schedule", provider: owner, modelType: deltasync.ModelTypePriceSchedule, recordID: "ps1", want: ErrUnsupportedOperation, wantCode: "claims.update.unsupported_operation"},
		{name: "id-mismatch", provider: owner, modelType: deltasync.ModelTypeMember, recordID: "m1", patch: deltasync.Record{"id": "m2"}, want: ErrInvalidRecordID, wantCode: "claims.update.id_mismatch"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Update(ctx, testCase.provider, testCase.modelType, mustRecordID(t, testCase.recordID), testCase.patch)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.wantCode {
				t.Fatalf("expected code %s, got %v", testCase.wantCode, err)
			}
		})
	}
}

func TestServiceListScopesByProvider(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, service, "provider-1", deltasync.ModelTypeMember, deltasync.Record{"id": "m1"})
	mustCreate(t, service, "provider-1", deltasync.ModelTypeMember, deltasync.Record{"id": "m2"})
	mustCreate(t, service, "provider-2", deltasync.ModelTypeMember, deltasync.Record{"id": "m3"})

	records, err := service.List(ctx, mustProviderID(t, "provider-1"), deltasync.ModelTypeMember)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 || records[0].ID() != "m1" || records[1].ID() != "m2" {
		t.Fatalf("unexpected records: %#v", records)
	}
}

func TestServiceListOpenIdentificationEventsEmbedsRelations(t *testing.T) {
	service, _ := newTestService(t)
	mustCreate(t, service, "provider-1", deltasync.ModelTypeMember, deltasync.Record{"id": "m1", "fullName": "Kofi Mensah"})
	mustCreate(t, service, "provider-1", deltasync.ModelTypeIdentificationEvent, deltasync.Record{"id": "ie1", "memberId": "m1", "status": "open"})
	mustCreate(t, service, "provider-1", deltasync.ModelTypeIdentificationEvent, deltasync.Record{"id": "ie2", "memberId": "m1", "status": "closed"})
	mustCreate(t, service, "provider-1", deltasync.ModelTypeEncounter, deltasync.Record{"id": "e1", "identificationEventId": "ie1"})

	events, err := service.ListOpenIdentificationEvents(context.Background(), mustProviderID(t, "provider-1"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 1 || events[0].ID() != "ie1" {
		t.Fatalf("expected only the open event, got %#v", events)
	}
	member, ok := events[0]["member"].(deltasync.Record)
	if !ok || member["fullName"] != "Kofi Mensah" {
		t.Fatalf("member should be embedded, got %#v", events[0]["member"])
	}
	encounter, ok := events[0]["encounter"].(deltasync.Record)
	if !ok || encounter.ID() != "e1" {
		t.Fatalf("encounter should be embedded, got %#v", events[0]["encounter"])
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
	db := openTestDatabase(t)
	if _, err := NewService(ServiceConfig{Database: db}); !errors.Is(err, errMissingIDProvider) {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return testServiceTime },
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct claims service: %v", err)
	}
	return service, db
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:claims_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}, &RecordChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustCreate(t *testing.T, service *Service, provider string, modelType deltasync.ModelType, record deltasync.Record) {
	t.Helper()
	if _, err := service.Create(context.Background(), mustProviderID(t, provider), modelType, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
}

func mustProviderID(t *testing.T, value string) ProviderID {
	t.Helper()
	id, err := NewProviderID(value)
	if err != nil {
		t.Fatalf("unexpected provider id error: %v", err)
	}
	return id
}

func mustRecordID(t *testing.T, value string) RecordID {
	t.Helper()
	id, err := NewRecordID(value)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}
