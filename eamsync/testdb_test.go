package eamsync_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/buildfocus/equipcast_backend/utils"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	config.InstallGuards(db)
	models.MigrateTable(db)
	return db
}

// seedSyncFixture creates an organization with a connected Titan system and
// one REST endpoint, returning a context scoped to the organization.
func seedSyncFixture(t *testing.T, db *gorm.DB, organizationId string) (context.Context, *models.EamConnection, *models.EamEndpoint) {
	t.Helper()
	active := true
	if err := db.Create(&models.Organization{
		ID:     organizationId,
		Name:   "Test Org " + organizationId,
		Code:   "ORG-" + organizationId,
		Active: &active,
	}).Error; err != nil {
		t.Fatalf("create organization: %v", err)
	}

	conn := &models.EamConnection{
		OrganizationId: organizationId,
		Provider:       models.EamProviderTitan,
		Status:         models.EamStatusConnected,
		BaseURL:        "http://titan.test",
		AuthType:       models.EamAuthTypeApiKey,
		AuthSecretRef:  "secret",
	}
	if err := db.Create(conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}

	endpoint := &models.EamEndpoint{
		OrganizationId: organizationId,
		ConnectionId:   conn.ID,
		Name:           "Equipment Forecasts",
		EntityType:     "equipment_forecast",
		ResourcePath:   "/api/forecasts",
		IdentityField:  "equipment_id",
		SchemaVersion:  "v1",
		Active:         &active,
	}
	if err := db.Create(endpoint).Error; err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), organizationId)
	return ctx, conn, endpoint
}
