// Package library implements the replica-local stores mounted per device:
// the document annotation list, the reading position and the settings that
// survive reading sessions (device identity, per-document sync state).
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagemark-labs/pagemark/internal/annotation"
	"github.com/pagemark-labs/pagemark/internal/database"
	"github.com/pagemark-labs/pagemark/internal/replica"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settingKeyDeviceID = "device_id"

const migrationDedupeTombstones = "2026-08-10_dedupe_tombstone_lists"

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Open establishes the device's library database and runs its migrations.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := database.OpenSQLite(path, logger,
		&documentRow{}, &annotationRow{}, &syncStateRow{}, &settingRow{})
	if err != nil {
		return nil, err
	}
	migrations := []database.Migration{
		{Name: migrationDedupeTombstones, Apply: dedupeTombstoneLists},
	}
	if err := database.ApplyMigrations(db, logger, migrations); err != nil {
		return nil, err
	}
	return db, nil
}

// dedupeTombstoneLists repairs sync states written by clients that appended
// repeated deletions instead of keeping a set.
func dedupeTombstoneLists(db *gorm.DB) error {
	var rows []syncStateRow
	if err := db.Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		var ids []string
		if err := json.Unmarshal([]byte(row.TombstonesJSON), &ids); err != nil {
			continue
		}
		deduped := annotation.NewTombstoneSet(ids...).Snapshot()
		if len(deduped) == len(ids) {
			continue
		}
		encoded, err := json.Marshal(deduped)
		if err != nil {
			return err
		}
		if err := db.Model(&syncStateRow{}).
			Where("document_digest = ?", row.DocumentDigest).
			Update("tombstones_json", string(encoded)).Error; err != nil {
			return err
		}
	}
	return nil
}

// StoreConfig describes the dependencies for the library store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store implements the replica's AnnotationStore and SettingsStore
// interfaces on SQLite.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("library: %w", errMissingDatabase)
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

// Annotations returns the document's annotation list in stored order.
// Rows with unreadable payloads are skipped rather than failing the read.
func (s *Store) Annotations(ctx context.Context, document string) ([]annotation.Annotation, error) {
	var rows []annotationRow
	if err := s.db.WithContext(ctx).
		Where("document_digest = ?", document).
		Order("ordinal ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	items := make([]annotation.Annotation, 0, len(rows))
	for _, row := range rows {
		var item annotation.Annotation
		if err := json.Unmarshal([]byte(row.PayloadJSON), &item); err != nil {
			s.logger.Warn("skipping unreadable annotation row",
				zap.String("document", document),
				zap.Int("ordinal", row.Ordinal),
				zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ReplaceAnnotations swaps the document's full annotation list in one
// transaction, matching the replace semantics the merge engine expects.
func (s *Store) ReplaceAnnotations(ctx context.Context, document string, items []annotation.Annotation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_digest = ?", document).
			Delete(&annotationRow{}).Error; err != nil {
			return err
		}
		for index, item := range items {
			payload, err := json.Marshal(item)
			if err != nil {
				return err
			}
			row := annotationRow{
				DocumentDigest: document,
				Ordinal:        index,
				Datetime:       item.Datetime,
				PayloadJSON:    string(payload),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Position returns the stored reading position, empty when none exists.
func (s *Store) Position(ctx context.Context, document string) (string, float64, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("digest = ?", document).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return row.Position, row.Percentage, nil
}

// SetPosition upserts the reading position for a document.
func (s *Store) SetPosition(ctx context.Context, document string, position string, percentage float64) error {
	row := documentRow{
		Digest:           document,
		Position:         position,
		Percentage:       percentage,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "digest"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "percentage", "updated_at_s"}),
	}).Create(&row).Error
}

// DeviceID returns the process-wide device identity, generating and
// persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var row settingRow
	err := s.db.WithContext(ctx).
		Where("key = ?", settingKeyDeviceID).
		Take(&row).Error
	if err == nil {
		return row.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	generated, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	row = settingRow{Key: settingKeyDeviceID, Value: generated.String()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	s.logger.Info("device identity generated", zap.String("device_id", row.Value))
	return row.Value, nil
}

// SyncState returns the persisted per-document version and tombstones.
func (s *Store) SyncState(ctx context.Context, document string) (replica.SyncState, error) {
	var row syncStateRow
	err := s.db.WithContext(ctx).
		Where("document_digest = ?", document).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return replica.SyncState{}, nil
	}
	if err != nil {
		return replica.SyncState{}, err
	}

	var tombstones []string
	if row.TombstonesJSON != "" {
		if err := json.Unmarshal([]byte(row.TombstonesJSON), &tombstones); err != nil {
			s.logger.Warn("resetting unreadable tombstone list",
				zap.String("document", document),
				zap.Error(err))
			tombstones = nil
		}
	}
	return replica.SyncState{Version: row.Version, Tombstones: tombstones}, nil
}

// SaveSyncState upserts the per-document sync bookkeeping.
func (s *Store) SaveSyncState(ctx context.Context, document string, state replica.SyncState) error {
	tombstones := state.Tombstones
	if tombstones == nil {
		tombstones = []string{}
	}
	encoded, err := json.Marshal(tombstones)
	if err != nil {
		return err
	}
	row := syncStateRow{
		DocumentDigest: document,
		Version:        state.Version,
		TombstonesJSON: string(encoded),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_digest"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "tombstones_json"}),
	}).Create(&row).Error
}
