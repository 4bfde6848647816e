package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pagemark-labs/pagemark/internal/annotation"
	"github.com/pagemark-labs/pagemark/internal/protocol"
	"gorm.io/gorm"
)

var testDBSequence int

func mustService(t *testing.T) *Service {
	t.Helper()
	testDBSequence++
	dsn := fmt.Sprintf("file:syncstore_test_%d?mode=memory&cache=shared", testDBSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestProgressRoundTrip(t *testing.T) {
	service := mustService(t)
	ctx := context.Background()

	record, err := service.GetProgress(ctx, "reader", "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !record.IsZero() {
		t.Fatalf("missing record should read as zero, got %#v", record)
	}

	timestamp, err := service.SetProgress(ctx, "reader", protocol.UpdateProgressRequest{
		Document:   "doc-1",
		Progress:   "p42",
		Percentage: 0.42,
		Device:     "tablet",
		DeviceID:   "device-b",
	})
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp %d", timestamp)
	}

	record, err = service.GetProgress(ctx, "reader", "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Progress != "p42" || record.Percentage != 0.42 || record.DeviceID != "device-b" {
		t.Fatalf("unexpected record %#v", record)
	}

	other, err := service.GetProgress(ctx, "other-user", "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !other.IsZero() {
		t.Fatalf("progress must be scoped per user, got %#v", other)
	}
}

func TestUpdateAnnotationsIncrementsVersionAndUnionsDeleted(t *testing.T) {
	service := mustService(t)
	ctx := context.Background()

	version, _, err := service.UpdateAnnotations(ctx, "reader", "doc-1", protocol.UpdateAnnotationsRequest{
		Annotations: []annotation.Annotation{{Datetime: "2026-01-01 10:00:00", Page: json.RawMessage("5"), Text: "one"}},
		Deleted:     []string{"t1"},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	base := int64(1)
	version, _, err = service.UpdateAnnotations(ctx, "reader", "doc-1", protocol.UpdateAnnotationsRequest{
		Annotations: []annotation.Annotation{{Datetime: "2026-01-02 10:00:00", Page: json.RawMessage("7"), Text: "two"}},
		Deleted:     []string{"t1", "t2"},
		BaseVersion: &base,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	document, err := service.GetAnnotations(ctx, "reader", "doc-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if document.Version != 2 {
		t.Fatalf("expected stored version 2, got %d", document.Version)
	}
	if len(document.Annotations) != 1 || document.Annotations[0].Text != "two" {
		t.Fatalf("update should replace the list wholesale, got %#v", document.Annotations)
	}
	if len(document.Deleted) != 2 || document.Deleted[0] != "t1" || document.Deleted[1] != "t2" {
		t.Fatalf("deleted lists should union deduplicated, got %#v", document.Deleted)
	}
}

func TestUpdateAnnotationsRejectsStaleBaseVersion(t *testing.T) {
	service := mustService(t)
	ctx := context.Background()

	if _, _, err := service.UpdateAnnotations(ctx, "reader", "doc-1", protocol.UpdateAnnotationsRequest{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := service.UpdateAnnotations(ctx, "reader", "doc-1", protocol.UpdateAnnotationsRequest{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	stale := int64(1)
	_, _, err := service.UpdateAnnotations(ctx, "reader", "doc-1", protocol.UpdateAnnotationsRequest{
		BaseVersion: &stale,
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdateAnnotationsFirstWriteAcceptsAnyBase(t *testing.T) {
	service := mustService(t)
	ctx := context.Background()

	base := int64(0)
	version, _, err := service.UpdateAnnotations(ctx, "reader", "doc-1", protocol.UpdateAnnotationsRequest{
		BaseVersion: &base,
	})
	if err != nil {
		t.Fatalf("first write must not conflict: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
}

func TestGetAnnotationsMissingDocumentIsEmpty(t *testing.T) {
	service := mustService(t)

	document, err := service.GetAnnotations(context.Background(), "reader", "doc-unknown")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if document.Version != 0 || len(document.Annotations) != 0 || len(document.Deleted) != 0 {
		t.Fatalf("expected empty document, got %#v", document)
	}
}
