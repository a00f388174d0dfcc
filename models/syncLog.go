package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncLog is one row per worker invocation per organization. Append-only: a
// row is opened when the pass starts and finalized exactly once.
type SyncLog struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	OrganizationId    string     `gorm:"index;size:64;not null" json:"organization_id"`
	TriggerSource     string     `gorm:"size:20;not null" json:"trigger_source"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	RecordsProcessed  int        `gorm:"not null;default:0" json:"records_processed"`
	RecordsCompleted  int        `gorm:"not null;default:0" json:"records_completed"`
	RecordsConflicted int        `gorm:"not null;default:0" json:"records_conflicted"`
	RecordsFailed     int        `gorm:"not null;default:0" json:"records_failed"`
	RecordsErrored    int        `gorm:"not null;default:0" json:"records_errored"`
	DurationMs        int64      `gorm:"not null;default:0" json:"duration_ms"`
	ErrorMessage      *string    `gorm:"type:text" json:"error_message"`
	StartedAt         time.Time  `gorm:"index;not null" json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func OpenSyncLog(ctx context.Context, db *gorm.DB, organizationId, triggerSource string) (*SyncLog, error) {
	entry := SyncLog{
		OrganizationId: organizationId,
		TriggerSource:  triggerSource,
		Status:         SyncLogStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func FinalizeSyncLog(ctx context.Context, db *gorm.DB, entry *SyncLog, status string, errMsg *string) error {
	now := time.Now().UTC()
	entry.Status = status
	entry.FinishedAt = &now
	entry.DurationMs = now.Sub(entry.StartedAt).Milliseconds()
	return db.WithContext(ctx).Model(&SyncLog{}).
		Where("id = ? AND status = ?", entry.ID, SyncLogStatusRunning).
		Updates(map[string]interface{}{
			"status":             status,
			"records_processed":  entry.RecordsProcessed,
			"records_completed":  entry.RecordsCompleted,
			"records_conflicted": entry.RecordsConflicted,
			"records_failed":     entry.RecordsFailed,
			"records_errored":    entry.RecordsErrored,
			"duration_ms":        entry.DurationMs,
			"error_message":      errMsg,
			"finished_at":        &now,
		}).Error
}

func ListSyncLogs(ctx context.Context, db *gorm.DB, organizationId string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []SyncLog
	err := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("id desc").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

func LastSyncLog(ctx context.Context, db *gorm.DB, organizationId string) (*SyncLog, error) {
	var entry SyncLog
	err := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("id desc").
		Take(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
