package models

import (
	"context"
	"time"

	"github.com/buildfocus/equipcast_backend/utils"
	"gorm.io/gorm"
)

// WriteQueueItem is one pending outbound change: a field-level delta destined
// for Titan EAM plus the base snapshot the edit was computed against.
// Items transition pending -> processing -> completed | failed | conflict.
// Terminal rows are kept for audit; only an operator removes them.
type WriteQueueItem struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	OrganizationId   string     `gorm:"index:idx_queue_claim,priority:1;size:64;not null" json:"organization_id"`
	EndpointId       uint       `gorm:"index;not null" json:"endpoint_id"`
	TargetEntityType string     `gorm:"size:64;not null" json:"target_entity_type"`
	TargetExternalId string     `gorm:"size:128;not null" json:"target_external_id"`
	DeltaJSON        []byte     `gorm:"type:json;not null" json:"delta"`
	BaseJSON         []byte     `gorm:"type:json;not null" json:"base"`
	Status           string     `gorm:"index:idx_queue_claim,priority:2;size:20;not null;default:'pending'" json:"status"`
	Priority         int        `gorm:"not null;default:0" json:"priority"`
	RetryCount       int        `gorm:"not null;default:0" json:"retry_count"`
	ScheduledAt      time.Time  `gorm:"index;not null" json:"scheduled_at"`
	LastAttemptAt    *time.Time `json:"last_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastError        *string    `gorm:"type:text" json:"last_error"`
	ExternalVersion  *string    `gorm:"size:64" json:"external_version"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWriteQueueItem struct {
	EndpointId       uint              `json:"endpointId" binding:"required"`
	TargetEntityType string            `json:"targetEntityType" binding:"required"`
	TargetExternalId string            `json:"targetExternalId" binding:"required"`
	Delta            map[string]string `json:"delta" binding:"required"`
	Base             map[string]string `json:"base" binding:"required"`
	Priority         int               `json:"priority"`
}

func (i *WriteQueueItem) Delta() map[string]string {
	return utils.DecodeFieldMap(i.DeltaJSON)
}

func (i *WriteQueueItem) Base() map[string]string {
	return utils.DecodeFieldMap(i.BaseJSON)
}

func StageWriteQueueItem(ctx context.Context, db *gorm.DB, organizationId string, input *NewWriteQueueItem) (*WriteQueueItem, error) {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	item := WriteQueueItem{
		OrganizationId:   organizationId,
		EndpointId:       input.EndpointId,
		TargetEntityType: input.TargetEntityType,
		TargetExternalId: input.TargetExternalId,
		DeltaJSON:        utils.EncodeFieldMap(input.Delta),
		BaseJSON:         utils.EncodeFieldMap(input.Base),
		Status:           QueueStatusPending,
		Priority:         input.Priority,
		ScheduledAt:      time.Now().UTC(),
		CorrelationId:    correlationId,
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimPendingItems claims up to batchSize due items for one organization in
// (priority DESC, scheduled_at ASC) order. The claim itself is an optimistic
// per-row UPDATE guarded on the observed status, so two workers can never own
// the same item; stale processing rows (a crashed worker) are reclaimable
// after lockTTL.
func ClaimPendingItems(ctx context.Context, db *gorm.DB, organizationId, workerId string, batchSize int, lockTTL time.Duration) ([]WriteQueueItem, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTTL)

	var candidates []WriteQueueItem
	err := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Where(`
			(status = ? AND scheduled_at <= ?)
			OR
			(status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
		`, QueueStatusPending, now, QueueStatusProcessing, staleBefore).
		Order("priority desc, scheduled_at asc, id asc").
		Limit(batchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]WriteQueueItem, 0, len(candidates))
	for _, item := range candidates {
		res := db.WithContext(ctx).Model(&WriteQueueItem{}).
			Where("id = ? AND status = ?", item.ID, item.Status).
			Updates(map[string]interface{}{
				"status":    QueueStatusProcessing,
				"locked_at": &now,
				"locked_by": &workerId,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker.
			continue
		}
		item.Status = QueueStatusProcessing
		item.LockedAt = &now
		item.LockedBy = &workerId
		claimed = append(claimed, item)
	}
	return claimed, nil
}

func MarkItemCompleted(ctx context.Context, db *gorm.DB, itemId uint, externalVersion *string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&WriteQueueItem{}).
		Where("id = ? AND status = ?", itemId, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":           QueueStatusCompleted,
			"external_version": externalVersion,
			"last_attempt_at":  &now,
			"last_error":       nil,
			"locked_at":        nil,
			"locked_by":        nil,
		}).Error
}

func MarkItemConflict(ctx context.Context, db *gorm.DB, itemId uint) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&WriteQueueItem{}).
		Where("id = ? AND status = ?", itemId, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusConflict,
			"last_attempt_at": &now,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

// RescheduleItemRetry records a transient failure. The item returns to pending
// with an exponential-backoff schedule until maxAttempts is reached, after
// which it goes failed permanently.
func RescheduleItemRetry(ctx context.Context, db *gorm.DB, item *WriteQueueItem, backoff time.Duration, maxAttempts int, errMsg string) (terminal bool, err error) {
	now := time.Now().UTC()
	attempts := item.RetryCount + 1

	if attempts >= maxAttempts {
		err = db.WithContext(ctx).Model(&WriteQueueItem{}).
			Where("id = ? AND status = ?", item.ID, QueueStatusProcessing).
			Updates(map[string]interface{}{
				"status":          QueueStatusFailed,
				"retry_count":     attempts,
				"last_attempt_at": &now,
				"last_error":      &errMsg,
				"locked_at":       nil,
				"locked_by":       nil,
			}).Error
		return true, err
	}

	next := now.Add(backoff)
	err = db.WithContext(ctx).Model(&WriteQueueItem{}).
		Where("id = ? AND status = ?", item.ID, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusPending,
			"retry_count":     attempts,
			"scheduled_at":    next,
			"last_attempt_at": &now,
			"last_error":      &errMsg,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	return false, err
}

// MarkItemFailed records a permanent failure (validation rejection). No retry.
func MarkItemFailed(ctx context.Context, db *gorm.DB, itemId uint, errMsg string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&WriteQueueItem{}).
		Where("id = ? AND status = ?", itemId, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusFailed,
			"last_attempt_at": &now,
			"last_error":      &errMsg,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

// RequeueItem puts a conflict-resolved item back on the queue with a fresh
// base/delta and a reset retry budget.
func RequeueItem(ctx context.Context, db *gorm.DB, itemId uint, base, delta map[string]string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&WriteQueueItem{}).
		Where("id = ? AND status = ?", itemId, QueueStatusConflict).
		Updates(map[string]interface{}{
			"status":       QueueStatusPending,
			"base_json":    utils.EncodeFieldMap(base),
			"delta_json":   utils.EncodeFieldMap(delta),
			"retry_count":  0,
			"scheduled_at": now,
			"last_error":   nil,
		}).Error
}

// CompleteItemFromConflict closes a conflicted item that was resolved by
// accepting the external system's values; nothing gets pushed.
func CompleteItemFromConflict(ctx context.Context, db *gorm.DB, itemId uint) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&WriteQueueItem{}).
		Where("id = ? AND status = ?", itemId, QueueStatusConflict).
		Updates(map[string]interface{}{
			"status":          QueueStatusCompleted,
			"last_attempt_at": &now,
			"last_error":      nil,
		}).Error
}

func GetWriteQueueItem(ctx context.Context, db *gorm.DB, itemId uint) (*WriteQueueItem, error) {
	var item WriteQueueItem
	err := db.WithContext(ctx).Where("id = ?", itemId).First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func ListWriteQueueItems(ctx context.Context, db *gorm.DB, organizationId, status string, limit int) ([]WriteQueueItem, error) {
	query := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("id desc").
		Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var items []WriteQueueItem
	err := query.Find(&items).Error
	return items, err
}

type QueueCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Conflict   int64 `json:"conflict"`
}

func CountQueueByStatus(ctx context.Context, db *gorm.DB, organizationId string) (QueueCounts, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.WithContext(ctx).Model(&WriteQueueItem{}).
		Select("status, count(*) as n").
		Where("organization_id = ?", organizationId).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return QueueCounts{}, err
	}
	var counts QueueCounts
	for _, r := range rows {
		switch r.Status {
		case QueueStatusPending:
			counts.Pending = r.N
		case QueueStatusProcessing:
			counts.Processing = r.N
		case QueueStatusCompleted:
			counts.Completed = r.N
		case QueueStatusFailed:
			counts.Failed = r.N
		case QueueStatusConflict:
			counts.Conflict = r.N
		}
	}
	return counts, nil
}
