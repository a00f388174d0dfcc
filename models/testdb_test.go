package models_test

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

// testDB opens an isolated in-memory database with the same data-layer
// guards production MySQL gets.
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

func orgContext(t *testing.T, db *gorm.DB, organizationId string) context.Context {
	t.Helper()
	active := true
	err := db.Create(&models.Organization{
		ID:     organizationId,
		Name:   "Test Org " + organizationId,
		Code:   "ORG-" + organizationId,
		Active: &active,
	}).Error
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return utils.SetOrganizationIdInContext(context.Background(), organizationId)
}
