package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

type EamConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	OrganizationId    string     `gorm:"uniqueIndex:idx_eam_conn,priority:1;size:64;not null" json:"organization_id"`
	Provider          string     `gorm:"uniqueIndex:idx_eam_conn,priority:2;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	BaseURL           string     `gorm:"size:512;not null" json:"base_url"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	Username          string     `gorm:"size:128" json:"username"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	ApiKeyHeader      string     `gorm:"size:64" json:"api_key_header"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EamEndpoint describes one Titan EAM data source. A non-empty GridName selects
// the grid query protocol; otherwise ResourcePath is fetched as a plain REST
// resource. Protocol selection is configuration-driven, never inferred from
// response shapes.
type EamEndpoint struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"index;size:64;not null" json:"organization_id"`
	ConnectionId   uint      `gorm:"index;not null" json:"connection_id"`
	Name           string    `gorm:"size:128;not null" json:"name"`
	EntityType     string    `gorm:"size:64;not null" json:"entity_type"`
	GridName       string    `gorm:"size:128" json:"grid_name"`
	GridSortAlias  string    `gorm:"size:64" json:"grid_sort_alias"`
	OrgFilterAlias string    `gorm:"size:64" json:"org_filter_alias"`
	ResourcePath   string    `gorm:"size:255" json:"resource_path"`
	IdentityField  string    `gorm:"size:64;not null" json:"identity_field"`
	SchemaVersion  string    `gorm:"size:32;not null" json:"schema_version"`
	Active         *bool     `gorm:"default:true" json:"active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *EamEndpoint) IsGrid() bool {
	return e.GridName != ""
}

func GetEamConnection(ctx context.Context, db *gorm.DB, organizationId string) (*EamConnection, error) {
	var conn EamConnection
	err := db.WithContext(ctx).
		Where("organization_id = ? AND provider = ?", organizationId, EamProviderTitan).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func GetEamEndpoint(ctx context.Context, db *gorm.DB, endpointId uint) (*EamEndpoint, error) {
	var endpoint EamEndpoint
	if err := db.WithContext(ctx).Where("id = ?", endpointId).Take(&endpoint).Error; err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func ListActiveEndpoints(ctx context.Context, db *gorm.DB, organizationId string) ([]EamEndpoint, error) {
	var endpoints []EamEndpoint
	err := db.WithContext(ctx).
		Where("organization_id = ? AND active = ?", organizationId, true).
		Order("id").
		Find(&endpoints).Error
	return endpoints, err
}

// CursorEntry tracks incremental-sync progress for one endpoint.
type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
}

// CursorState decodes the per-endpoint cursor map. Keys are endpoint ids in
// decimal form.
func (c *EamConnection) CursorState() map[string]CursorEntry {
	state := map[string]CursorEntry{}
	if len(c.CursorStateJSON) > 0 {
		_ = json.Unmarshal(c.CursorStateJSON, &state)
	}
	return state
}

// SaveCursorEntry persists a new watermark for one endpoint and stamps the
// sync timestamps.
func SaveCursorEntry(ctx context.Context, db *gorm.DB, conn *EamConnection, endpointKey string, entry CursorEntry) error {
	state := conn.CursorState()
	state[endpointKey] = entry
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&EamConnection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]interface{}{
			"cursor_state_json":    encoded,
			"last_sync_at":         &now,
			"last_success_sync_at": &now,
		}).Error
}

func TouchLastSyncAt(ctx context.Context, db *gorm.DB, connectionId uint) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&EamConnection{}).
		Where("id = ?", connectionId).
		Update("last_sync_at", &now).Error
}

// UpsertEamConnection creates or reconfigures the Titan connection for an
// organization. One connection per organization per provider.
func UpsertEamConnection(ctx context.Context, db *gorm.DB, conn *EamConnection) (*EamConnection, error) {
	existing, err := GetEamConnection(ctx, db, conn.OrganizationId)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if conn.Provider == "" {
			conn.Provider = EamProviderTitan
		}
		conn.Status = EamStatusConnected
		if err := db.WithContext(ctx).Create(conn).Error; err != nil {
			return nil, err
		}
		return conn, nil
	}
	err = db.WithContext(ctx).Model(&EamConnection{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"status":          EamStatusConnected,
			"base_url":        conn.BaseURL,
			"auth_type":       conn.AuthType,
			"username":        conn.Username,
			"auth_secret_ref": conn.AuthSecretRef,
			"api_key_header":  conn.ApiKeyHeader,
		}).Error
	if err != nil {
		return nil, err
	}
	return GetEamConnection(ctx, db, conn.OrganizationId)
}

// ListConnectedConnections returns every connection currently in connected
// state, across organizations. Used by the scheduler; tenant scoping is
// bypassed deliberately.
func ListConnectedConnections(ctx context.Context, db *gorm.DB) ([]EamConnection, error) {
	var conns []EamConnection
	err := db.WithContext(ctx).
		Where("status = ?", EamStatusConnected).
		Order("id").
		Find(&conns).Error
	return conns, err
}

func DisconnectEamConnection(ctx context.Context, db *gorm.DB, organizationId string) error {
	return db.WithContext(ctx).Model(&EamConnection{}).
		Where("organization_id = ? AND provider = ?", organizationId, EamProviderTitan).
		Update("status", EamStatusDisconnected).Error
}
