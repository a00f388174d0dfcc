package models

import (
	"context"
	"time"

	"github.com/buildfocus/equipcast_backend/utils"
	"gorm.io/gorm"
)

// IngestJob is the outbox row behind queued ingestion runs. Publishing to
// Pub/Sub happens after commit; the direct processor drains unpublished or
// stuck rows when Pub/Sub is absent or misdelivering. At-least-once delivery
// is safe because every run opens an independent RawBatch.
type IngestJob struct {
	ID             int        `gorm:"primary_key" json:"id"`
	OrganizationId string     `gorm:"index;size:64;not null" json:"organization_id"`
	EndpointId     uint       `gorm:"index;not null" json:"endpoint_id"`
	SyncType       string     `gorm:"size:20;not null" json:"sync_type"`
	Status         string     `gorm:"size:20;index;not null;default:'PENDING'" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt       *time.Time `gorm:"index" json:"locked_at"`
	LockedBy       *string    `gorm:"size:100" json:"locked_by"`
	LastError      *string    `gorm:"type:text" json:"last_error"`
	BatchId        *uint      `json:"batch_id"`
	CorrelationId  string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

const ingestJobMaxAttempts = 5

func CreateIngestJob(ctx context.Context, db *gorm.DB, organizationId string, endpointId uint, syncType string) (*IngestJob, error) {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	job := IngestJob{
		OrganizationId: organizationId,
		EndpointId:     endpointId,
		SyncType:       syncType,
		Status:         IngestJobStatusPending,
		CorrelationId:  correlationId,
	}
	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetIngestJob(ctx context.Context, db *gorm.DB, jobId int) (*IngestJob, error) {
	var job IngestJob
	err := db.WithContext(ctx).Where("id = ?", jobId).Take(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ClaimIngestJob moves a job to PROCESSING with an optimistic status check.
// A false return means another worker already holds or finished it.
func ClaimIngestJob(ctx context.Context, db *gorm.DB, jobId int, workerId string, lockTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTTL)
	res := db.WithContext(ctx).Model(&IngestJob{}).
		Where(`
			id = ? AND (
				status = ?
				OR (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
				OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			)
		`, jobId, IngestJobStatusPending, IngestJobStatusFailed, now, IngestJobStatusProcessing, staleBefore).
		Updates(map[string]interface{}{
			"status":    IngestJobStatusProcessing,
			"locked_at": &now,
			"locked_by": &workerId,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func MarkIngestJobSucceeded(ctx context.Context, db *gorm.DB, jobId int, batchId uint) error {
	return db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status = ?", jobId, IngestJobStatusProcessing).
		Updates(map[string]interface{}{
			"status":     IngestJobStatusSucceeded,
			"batch_id":   &batchId,
			"last_error": nil,
			"locked_at":  nil,
			"locked_by":  nil,
		}).Error
}

// MarkIngestJobFailed bumps the attempt counter and either reschedules the
// job with backoff or sends it DEAD once the attempt budget is spent.
func MarkIngestJobFailed(ctx context.Context, db *gorm.DB, job *IngestJob, backoff time.Duration, errMsg string) (dead bool, err error) {
	now := time.Now().UTC()
	attempts := job.Attempts + 1

	if attempts >= ingestJobMaxAttempts {
		err = db.WithContext(ctx).Model(&IngestJob{}).
			Where("id = ? AND status = ?", job.ID, IngestJobStatusProcessing).
			Updates(map[string]interface{}{
				"status":     IngestJobStatusDead,
				"attempts":   attempts,
				"last_error": &errMsg,
				"locked_at":  nil,
				"locked_by":  nil,
			}).Error
		return true, err
	}

	next := now.Add(backoff)
	err = db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ? AND status = ?", job.ID, IngestJobStatusProcessing).
		Updates(map[string]interface{}{
			"status":          IngestJobStatusFailed,
			"attempts":        attempts,
			"next_attempt_at": &next,
			"last_error":      &errMsg,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	return false, err
}

// ListDueIngestJobs returns jobs the direct processor should drive: fresh
// PENDING rows, FAILED rows past their retry time, and PROCESSING rows whose
// lock went stale.
func ListDueIngestJobs(ctx context.Context, db *gorm.DB, batchSize int, lockTTL time.Duration) ([]IngestJob, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTTL)
	var jobs []IngestJob
	err := db.WithContext(ctx).
		Where(`
			status = ?
			OR (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		`, IngestJobStatusPending, IngestJobStatusFailed, now, IngestJobStatusProcessing, staleBefore).
		Order("id asc").
		Limit(batchSize).
		Find(&jobs).Error
	return jobs, err
}
