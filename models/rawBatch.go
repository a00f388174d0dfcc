package models

import (
	"context"
	"time"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/utils"
	"gorm.io/gorm"
)

// ErrImmutableRecord is raised by the data-layer guard for any update or
// standalone delete against ingested raw records.
var ErrImmutableRecord = config.ErrImmutableRecord

// RawBatch is one ingestion run. It is owned exclusively by the ingestion
// service and never mutated after CompletedAt is set; deletion happens only
// through the pruning cascade.
type RawBatch struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	OrganizationId     string     `gorm:"index;size:64;not null" json:"organization_id"`
	EndpointId         uint       `gorm:"index;not null" json:"endpoint_id"`
	EntityType         string     `gorm:"size:64;not null" json:"entity_type"`
	SyncType           string     `gorm:"size:20;not null" json:"sync_type"`
	Status             string     `gorm:"size:20;index;not null" json:"status"`
	RecordCount        int        `gorm:"not null;default:0" json:"record_count"`
	ValidRecordCount   int        `gorm:"not null;default:0" json:"valid_record_count"`
	InvalidRecordCount int        `gorm:"not null;default:0" json:"invalid_record_count"`
	SchemaVersion      string     `gorm:"size:32" json:"schema_version"`
	StartedAt          time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	ErrorMessage       *string    `gorm:"type:text" json:"error_message"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// RawRecord is one external-system row as ingested: an opaque payload plus
// provenance. Once created it is never updated; the only legal destructive
// operation is deletion of its entire parent batch during pruning. The store
// below exposes no update method at all, and the data-layer guard backs the
// same invariant for code reaching for gorm directly.
type RawRecord struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	BatchId        uint      `gorm:"index;not null" json:"batch_id"`
	OrganizationId string    `gorm:"index;size:64;not null" json:"organization_id"`
	EntityType     string    `gorm:"size:64;not null" json:"entity_type"`
	ExternalId     string    `gorm:"index;size:128" json:"external_id"`
	SchemaVersion  string    `gorm:"size:32;not null" json:"schema_version"`
	PayloadJSON    []byte    `gorm:"type:json;not null" json:"payload"`
	Valid          bool      `gorm:"not null;default:true" json:"valid"`
	IngestedAt     time.Time `gorm:"index;not null" json:"ingested_at"`
}

// RawStore is the only write path into the Bronze tables. Mutating methods are
// limited to insert and batch-scoped delete.
type RawStore struct {
	db *gorm.DB
}

func NewRawStore(db *gorm.DB) *RawStore {
	return &RawStore{db: db}
}

func (s *RawStore) OpenBatch(ctx context.Context, batch *RawBatch) error {
	batch.Status = BatchStatusInProgress
	if batch.StartedAt.IsZero() {
		batch.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(batch).Error
}

func (s *RawStore) InsertRecords(ctx context.Context, records []RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(records, 200).Error
}

func (s *RawStore) CompleteBatch(ctx context.Context, batchId uint, recordCount, validCount, invalidCount int) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&RawBatch{}).
		Where("id = ? AND status = ?", batchId, BatchStatusInProgress).
		Updates(map[string]interface{}{
			"status":               BatchStatusCompleted,
			"record_count":         recordCount,
			"valid_record_count":   validCount,
			"invalid_record_count": invalidCount,
			"completed_at":         &now,
		}).Error
}

// FailBatch marks a batch failed without rolling back already-inserted
/// records. Partial batches are deliberate: raw data has no downstream
// consistency requirement until a transformation stage consumes it, and
// consumers filter on completed_at.
func (s *RawStore) FailBatch(ctx context.Context, batchId uint, recordCount, validCount, invalidCount int, errMsg string) error {
	return s.db.WithContext(ctx).Model(&RawBatch{}).
		Where("id = ? AND status = ?", batchId, BatchStatusInProgress).
		Updates(map[string]interface{}{
			"status":               BatchStatusFailed,
			"record_count":         recordCount,
			"valid_record_count":   validCount,
			"invalid_record_count": invalidCount,
			"error_message":        &errMsg,
		}).Error
}

// DeleteBatch removes a batch and all of its records. This is the pruning
// cascade, the only legal destructive operation on the Bronze layer.
func (s *RawStore) DeleteBatch(ctx context.Context, batchId uint) error {
	ctx = utils.SetBatchCascadeInContext(ctx)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", batchId).Delete(&RawRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", batchId).Delete(&RawBatch{}).Error
	})
}

// DeleteRecordsBefore removes records ingested before cutoff and any batches
// left with zero remaining records. Returns the number of records deleted.
func (s *RawStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx = utils.SetBatchCascadeInContext(ctx)
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("ingested_at < ?", cutoff).Delete(&RawRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.
			Where("NOT EXISTS (SELECT 1 FROM raw_records WHERE raw_records.batch_id = raw_batches.id)").
			Delete(&RawBatch{}).Error
	})
	return deleted, err
}

func (s *RawStore) CountRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RawRecord{}).
		Where("ingested_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

func (s *RawStore) ListRecordsBefore(ctx context.Context, cutoff time.Time, limit int) ([]RawRecord, error) {
	var records []RawRecord
	q := s.db.WithContext(ctx).Where("ingested_at < ?", cutoff).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

func (s *RawStore) GetBatch(ctx context.Context, batchId uint) (*RawBatch, error) {
	var batch RawBatch
	if err := s.db.WithContext(ctx).Where("id = ?", batchId).Take(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *RawStore) CountBatchRecords(ctx context.Context, batchId uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RawRecord{}).
		Where("batch_id = ?", batchId).
		Count(&count).Error
	return count, err
}

// LastCompletedBatch returns the newest completed batch for an endpoint, used
// to derive the updated-since watermark for incremental syncs.
func (s *RawStore) LastCompletedBatch(ctx context.Context, endpointId uint) (*RawBatch, error) {
	var batch RawBatch
	err := s.db.WithContext(ctx).
		Where("endpoint_id = ? AND status = ?", endpointId, BatchStatusCompleted).
		Order("id desc").
		Take(&batch).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}
