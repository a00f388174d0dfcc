package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// FieldConflict holds the three-way values for one diverged field.
type FieldConflict struct {
	Field    string `json:"field"`
	Base     string `json:"base"`
	Local    string `json:"local"`
	External string `json:"external"`
}

// SyncConflict is created when the external system's current value differs
// from both the recorded base and the queued local value. It is closed only by
// an explicit resolve action, never automatically.
type SyncConflict struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	QueueItemId    uint       `gorm:"index;not null" json:"queue_item_id"`
	OrganizationId string     `gorm:"index;size:64;not null" json:"organization_id"`
	EntityType     string     `gorm:"size:64" json:"entity_type"`
	ExternalId     string     `gorm:"size:128" json:"external_id"`
	FieldsJSON     []byte     `gorm:"type:json;not null" json:"fields"`
	Status         string     `gorm:"index;size:20;not null;default:'unresolved'" json:"status"`
	Resolution     *string    `gorm:"size:20" json:"resolution"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *SyncConflict) Fields() []FieldConflict {
	if len(c.FieldsJSON) == 0 {
		return nil
	}
	var fields []FieldConflict
	if err := json.Unmarshal(c.FieldsJSON, &fields); err != nil {
		return nil
	}
	return fields
}

// CreateSyncConflict records a fresh divergence for a queue item. An item can
// accumulate resolved conflicts over its lifetime (each resolve-and-requeue
// that races another external edit produces a new one), but carries at most
// one unresolved conflict at a time; an existing unresolved row is returned
// as-is.
func CreateSyncConflict(ctx context.Context, db *gorm.DB, item *WriteQueueItem, fields []FieldConflict) (*SyncConflict, error) {
	var existing SyncConflict
	err := db.WithContext(ctx).
		Where("queue_item_id = ? AND status = ?", item.ID, ConflictStatusUnresolved).
		Take(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	conflict := SyncConflict{
		QueueItemId:    item.ID,
		OrganizationId: item.OrganizationId,
		EntityType:     item.TargetEntityType,
		ExternalId:     item.TargetExternalId,
		FieldsJSON:     fieldsJSON,
		Status:         ConflictStatusUnresolved,
	}
	if err := db.WithContext(ctx).Create(&conflict).Error; err != nil {
		return nil, err
	}
	return &conflict, nil
}

func GetSyncConflict(ctx context.Context, db *gorm.DB, conflictId uint) (*SyncConflict, error) {
	var conflict SyncConflict
	if err := db.WithContext(ctx).Where("id = ?", conflictId).Take(&conflict).Error; err != nil {
		return nil, err
	}
	return &conflict, nil
}

func ListConflicts(ctx context.Context, db *gorm.DB, organizationId string, includeResolved bool, limit int) ([]SyncConflict, error) {
	q := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if !includeResolved {
		q = q.Where("status = ?", ConflictStatusUnresolved)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var conflicts []SyncConflict
	err := q.Order("id desc").Find(&conflicts).Error
	return conflicts, err
}

func CloseSyncConflict(ctx context.Context, db *gorm.DB, conflictId uint, resolution string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&SyncConflict{}).
		Where("id = ? AND status = ?", conflictId, ConflictStatusUnresolved).
		Updates(map[string]interface{}{
			"status":      ConflictStatusResolved,
			"resolution":  &resolution,
			"resolved_at": &now,
		}).Error
}
