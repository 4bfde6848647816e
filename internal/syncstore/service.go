// Package syncstore persists the server-side sync state: reading progress
// and annotation documents, keyed by (username, document digest).
//
// The server performs no per-annotation conflict resolution. An annotation
// update is an optimistic version-checked replace: a stale base version is
// rejected, otherwise the list is replaced wholesale, the deletion list is
// unioned and the version increments. All merge logic lives on the
// replicas.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pagemark-labs/pagemark/internal/annotation"
	"github.com/pagemark-labs/pagemark/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrVersionConflict indicates a stale base version on an update.
	ErrVersionConflict = errors.New("syncstore: version conflict")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
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

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "syncstore.service.new"
	opGetProgress       = "syncstore.get_progress"
	opSetProgress       = "syncstore.set_progress"
	opGetAnnotations    = "syncstore.get_annotations"
	opUpdateAnnotations = "syncstore.update_annotations"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// progressRow stores one user's reading position for one document.
type progressRow struct {
	Username         string  `gorm:"column:username;primaryKey;size:190;not null"`
	Document         string  `gorm:"column:document;primaryKey;size:190;not null"`
	Progress         string  `gorm:"column:progress;type:text;not null"`
	Percentage       float64 `gorm:"column:percentage;not null;default:0"`
	Device           string  `gorm:"column:device;size:190;not null;default:''"`
	DeviceID         string  `gorm:"column:device_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (progressRow) TableName() string {
	return "sync_progress"
}

// annotationDocRow stores one user's full annotation document.
type annotationDocRow struct {
	Username         string `gorm:"column:username;primaryKey;size:190;not null"`
	Document         string `gorm:"column:document;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	AnnotationsJSON  string `gorm:"column:annotations_json;type:text;not null;default:'[]'"`
	DeletedJSON      string `gorm:"column:deleted_json;type:text;not null;default:'[]'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (annotationDocRow) TableName() string {
	return "sync_annotations"
}

// Models returns the schema migrated by the server database.
func Models() []interface{} {
	return []interface{}{&progressRow{}, &annotationDocRow{}}
}

// ServiceConfig describes the dependencies for the sync store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes per-user sync documents.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetProgress returns the stored reading position, zero when none exists.
func (s *Service) GetProgress(ctx context.Context, username, document string) (protocol.Progress, error) {
	var row progressRow
	err := s.db.WithContext(ctx).
		Where("username = ? AND document = ?", username, document).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Progress{}, nil
	}
	if err != nil {
		s.logError(opGetProgress, "query_failed", err,
			zap.String("username", username), zap.String("document", document))
		return protocol.Progress{}, newServiceError(opGetProgress, "query_failed", err)
	}

	return protocol.Progress{
		Document:   row.Document,
		Progress:   row.Progress,
		Percentage: row.Percentage,
		Device:     row.Device,
		DeviceID:   row.DeviceID,
		Timestamp:  row.UpdatedAtSeconds,
	}, nil
}

// SetProgress upserts a reading position and returns the stored timestamp.
func (s *Service) SetProgress(ctx context.Context, username string, request protocol.UpdateProgressRequest) (int64, error) {
	timestamp := s.clock().UTC().Unix()
	row := progressRow{
		Username:         username,
		Document:         request.Document,
		Progress:         request.Progress,
		Percentage:       request.Percentage,
		Device:           request.Device,
		DeviceID:         request.DeviceID,
		UpdatedAtSeconds: timestamp,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}, {Name: "document"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"progress", "percentage", "device", "device_id", "updated_at_s",
		}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opSetProgress, "save_failed", err,
			zap.String("username", username), zap.String("document", request.Document))
		return 0, newServiceError(opSetProgress, "save_failed", err)
	}
	return timestamp, nil
}

// GetAnnotations returns the stored annotation document, zero when none
// exists.
func (s *Service) GetAnnotations(ctx context.Context, username, document string) (protocol.DocumentAnnotations, error) {
	var row annotationDocRow
	err := s.db.WithContext(ctx).
		Where("username = ? AND document = ?", username, document).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.DocumentAnnotations{
			Annotations: []annotation.Annotation{},
			Deleted:     []string{},
		}, nil
	}
	if err != nil {
		s.logError(opGetAnnotations, "query_failed", err,
			zap.String("username", username), zap.String("document", document))
		return protocol.DocumentAnnotations{}, newServiceError(opGetAnnotations, "query_failed", err)
	}
	return decodeDocument(row)
}

// UpdateAnnotations applies the optimistic version-checked replace. A
// non-nil base version that does not match the stored version is rejected
// with ErrVersionConflict when a non-zero version already exists.
func (s *Service) UpdateAnnotations(ctx context.Context, username, document string, request protocol.UpdateAnnotationsRequest) (int64, int64, error) {
	timestamp := s.clock().UTC().Unix()
	var nextVersion int64

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row annotationDocRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("username = ? AND document = ?", username, document).
			Take(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opUpdateAnnotations, "select_failed", err,
				zap.String("username", username), zap.String("document", document))
			return newServiceError(opUpdateAnnotations, "select_failed", err)
		}

		if request.BaseVersion != nil && row.Version > 0 && *request.BaseVersion != row.Version {
			return ErrVersionConflict
		}

		annotations := request.Annotations
		if annotations == nil {
			annotations = []annotation.Annotation{}
		}
		annotationsJSON, err := json.Marshal(annotations)
		if err != nil {
			return newServiceError(opUpdateAnnotations, "encode_failed", err)
		}

		deleted := unionDeleted(row.DeletedJSON, request.Deleted)
		deletedJSON, err := json.Marshal(deleted)
		if err != nil {
			return newServiceError(opUpdateAnnotations, "encode_failed", err)
		}

		nextVersion = row.Version + 1
		updated := annotationDocRow{
			Username:         username,
			Document:         document,
			Version:          nextVersion,
			AnnotationsJSON:  string(annotationsJSON),
			DeletedJSON:      string(deletedJSON),
			UpdatedAtSeconds: timestamp,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "username"}, {Name: "document"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"version", "annotations_json", "deleted_json", "updated_at_s",
			}),
		}).Create(&updated).Error; err != nil {
			s.logError(opUpdateAnnotations, "save_failed", err,
				zap.String("username", username), zap.String("document", document))
			return newServiceError(opUpdateAnnotations, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, 0, txErr
	}

	return nextVersion, timestamp, nil
}

func decodeDocument(row annotationDocRow) (protocol.DocumentAnnotations, error) {
	document := protocol.DocumentAnnotations{
		Version:     row.Version,
		Annotations: []annotation.Annotation{},
		Deleted:     []string{},
		UpdatedAt:   row.UpdatedAtSeconds,
	}
	if row.AnnotationsJSON != "" {
		if err := json.Unmarshal([]byte(row.AnnotationsJSON), &document.Annotations); err != nil {
			return protocol.DocumentAnnotations{}, newServiceError(opGetAnnotations, "decode_failed", err)
		}
	}
	if row.DeletedJSON != "" {
		if err := json.Unmarshal([]byte(row.DeletedJSON), &document.Deleted); err != nil {
			return protocol.DocumentAnnotations{}, newServiceError(opGetAnnotations, "decode_failed", err)
		}
	}
	return document, nil
}

// unionDeleted merges the stored deletion list with the incoming one,
// deduplicating while preserving first-seen order.
func unionDeleted(storedJSON string, incoming []string) []string {
	var stored []string
	if storedJSON != "" {
		_ = json.Unmarshal([]byte(storedJSON), &stored)
	}
	set := annotation.NewTombstoneSet(stored...)
	for _, id := range incoming {
		set.Record(id)
	}
	union := set.Snapshot()
	if union == nil {
		union = []string{}
	}
	return union
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
	s.logger.Error("sync store error", attrs...)
}
