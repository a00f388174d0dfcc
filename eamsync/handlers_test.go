package eamsync_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/buildfocus/equipcast_backend/eamsync"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func testRouter(db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handlers := &eamsync.Handlers{DB: db}
	router := gin.New()
	handlers.RegisterRoutes(router.Group("/api/eam"))
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, organizationId string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if organizationId != "" {
		req.Header.Set("X-Organization-Id", organizationId)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListEndpointsReturnsActiveOnly(t *testing.T) {
	db := testDB(t)
	ctx, conn, _ := seedSyncFixture(t, db, "org1")

	inactive := false
	if err := db.WithContext(ctx).Create(&models.EamEndpoint{
		OrganizationId: "org1",
		ConnectionId:   conn.ID,
		Name:           "Retired Feed",
		EntityType:     "equipment_forecast",
		ResourcePath:   "/api/old-forecasts",
		IdentityField:  "equipment_id",
		SchemaVersion:  "v1",
		Active:         &inactive,
	}).Error; err != nil {
		t.Fatalf("create inactive endpoint: %v", err)
	}

	rec := doRequest(t, testRouter(db), http.MethodGet, "/api/eam/endpoints", "org1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Endpoints []models.EamEndpoint `json:"endpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Endpoints) != 1 {
		t.Fatalf("expected 1 active endpoint, got %d", len(resp.Endpoints))
	}
	if resp.Endpoints[0].Name != "Equipment Forecasts" {
		t.Fatalf("unexpected endpoint: %+v", resp.Endpoints[0])
	}
}

func TestListWriteQueueFiltersByStatus(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")
	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")

	router := testRouter(db)

	rec := doRequest(t, router, http.MethodGet, "/api/eam/write-queue?status=pending", "org1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Items []models.WriteQueueItem `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != item.ID {
		t.Fatalf("expected the staged item, got %+v", resp.Items)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/eam/write-queue?status=failed", "org1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp.Items = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 0 {
		t.Fatalf("expected no failed items, got %+v", resp.Items)
	}
}

func TestQueueRoutesRejectUnknownOrganization(t *testing.T) {
	db := testDB(t)
	seedSyncFixture(t, db, "org1")
	router := testRouter(db)

	if rec := doRequest(t, router, http.MethodGet, "/api/eam/write-queue", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing organization must 401, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/eam/endpoints", "org-missing"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown organization must 401, got %d", rec.Code)
	}
}
