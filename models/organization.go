package models

import (
	"context"
	"errors"
	"time"

	"github.com/buildfocus/equipcast_backend/config"
	"gorm.io/gorm"
)

type Organization struct {
	ID        string    `gorm:"primary_key;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Code      string    `gorm:"uniqueIndex;size:50;not null" json:"code"`
	Active    *bool     `gorm:"default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrganizationById resolves an organization, serving from the Redis cache
// when available. The cache is best-effort; a cold/unavailable Redis falls
// through to the database.
func GetOrganizationById(ctx context.Context, db *gorm.DB, organizationId string) (*Organization, error) {
	if organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	var org Organization
	exists, err := config.GetRedisObject("Organization:"+organizationId, &org)
	if err == nil && exists {
		return &org, nil
	}

	if err := db.WithContext(ctx).Where("id = ?", organizationId).Take(&org).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject("Organization:"+organizationId, org, 10*time.Minute)
	return &org, nil
}
