package eamsync_test

import (
	"testing"
	"time"

	"github.com/buildfocus/equipcast_backend/eamsync"
	"github.com/buildfocus/equipcast_backend/models"
)

func TestDetectConflictsTruthTable(t *testing.T) {
	base := map[string]string{"amount": "100.00", "status": "planned", "note": "a"}

	tests := []struct {
		name     string
		delta    map[string]string
		external map[string]string
		want     int
	}{
		{
			name:     "external untouched",
			delta:    map[string]string{"amount": "120.00"},
			external: map[string]string{"amount": "100.00"},
			want:     0,
		},
		{
			name:     "external converged on local",
			delta:    map[string]string{"amount": "120.00"},
			external: map[string]string{"amount": "120.00"},
			want:     0,
		},
		{
			name:     "divergent edit",
			delta:    map[string]string{"amount": "120.00"},
			external: map[string]string{"amount": "150.00"},
			want:     1,
		},
		{
			name:     "decimal scale differences are not divergence",
			delta:    map[string]string{"amount": "120.00"},
			external: map[string]string{"amount": "100"},
			want:     0,
		},
		{
			name:     "decimal convergence",
			delta:    map[string]string{"amount": "120.00"},
			external: map[string]string{"amount": "120.0000"},
			want:     0,
		},
		{
			name:     "non-numeric exact compare",
			delta:    map[string]string{"status": "active"},
			external: map[string]string{"status": "cancelled"},
			want:     1,
		},
		{
			name:     "field absent externally",
			delta:    map[string]string{"note": "b"},
			external: map[string]string{"amount": "100.00"},
			want:     0,
		},
		{
			name:     "mixed fields",
			delta:    map[string]string{"amount": "120.00", "status": "active"},
			external: map[string]string{"amount": "150.00", "status": "planned"},
			want:     1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := eamsync.DetectConflicts(base, tc.delta, tc.external)
			if len(got) != tc.want {
				t.Fatalf("expected %d conflicts, got %d: %+v", tc.want, len(got), got)
			}
		})
	}
}

func TestDetectConflictsCarriesAllThreeValues(t *testing.T) {
	base := map[string]string{"forecast_amount": "100.00"}
	delta := map[string]string{"forecast_amount": "120.00"}
	external := map[string]string{"forecast_amount": "150.00"}

	got := eamsync.DetectConflicts(base, delta, external)
	if len(got) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(got))
	}
	fc := got[0]
	if fc.Field != "forecast_amount" || fc.Base != "100.00" || fc.Local != "120.00" || fc.External != "150.00" {
		t.Fatalf("unexpected conflict payload: %+v", fc)
	}
}

func TestResolveUseExternalCompletesItem(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item, err := models.StageWriteQueueItem(ctx, db, "org1", &models.NewWriteQueueItem{
		EndpointId:       endpoint.ID,
		TargetEntityType: endpoint.EntityType,
		TargetExternalId: "EQ-100",
		Delta:            map[string]string{"forecast_amount": "120.00"},
		Base:             map[string]string{"forecast_amount": "100.00"},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := models.ClaimPendingItems(ctx, db, "org1", "w", 10, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := models.MarkItemConflict(ctx, db, item.ID); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	conflict, err := models.CreateSyncConflict(ctx, db, item, []models.FieldConflict{
		{Field: "forecast_amount", Base: "100.00", Local: "120.00", External: "150.00"},
	})
	if err != nil {
		t.Fatalf("create conflict: %v", err)
	}

	resolver := eamsync.NewResolver(db, eamsync.NewNotifier(nil))
	resolved, err := resolver.Resolve(ctx, conflict.ID, &eamsync.ResolveConflictRequest{
		Resolution: models.ResolutionUseExternal,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != models.ConflictStatusResolved || *resolved.Resolution != models.ResolutionUseExternal {
		t.Fatalf("conflict not closed: %+v", resolved)
	}

	got, err := models.GetWriteQueueItem(ctx, db, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != models.QueueStatusCompleted {
		t.Fatalf("expected completed item, got %s", got.Status)
	}
}

func TestResolveUseLocalRebasesAndRequeues(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item, err := models.StageWriteQueueItem(ctx, db, "org1", &models.NewWriteQueueItem{
		EndpointId:       endpoint.ID,
		TargetEntityType: endpoint.EntityType,
		TargetExternalId: "EQ-100",
		Delta:            map[string]string{"forecast_amount": "120.00"},
		Base:             map[string]string{"forecast_amount": "100.00"},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := models.ClaimPendingItems(ctx, db, "org1", "w", 10, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := models.MarkItemConflict(ctx, db, item.ID); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	conflict, err := models.CreateSyncConflict(ctx, db, item, []models.FieldConflict{
		{Field: "forecast_amount", Base: "100.00", Local: "120.00", External: "150.00"},
	})
	if err != nil {
		t.Fatalf("create conflict: %v", err)
	}

	resolver := eamsync.NewResolver(db, eamsync.NewNotifier(nil))
	if _, err := resolver.Resolve(ctx, conflict.ID, &eamsync.ResolveConflictRequest{
		Resolution: models.ResolutionUseLocal,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := models.GetWriteQueueItem(ctx, db, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != models.QueueStatusPending {
		t.Fatalf("expected requeued pending, got %s", got.Status)
	}
	if got.Base()["forecast_amount"] != "150.00" {
		t.Fatalf("expected base rebased onto external value, got %v", got.Base())
	}
	if got.Delta()["forecast_amount"] != "120.00" {
		t.Fatalf("local delta must be preserved, got %v", got.Delta())
	}

	// Resolving twice must fail; conflicts close exactly once.
	if _, err := resolver.Resolve(ctx, conflict.ID, &eamsync.ResolveConflictRequest{
		Resolution: models.ResolutionUseLocal,
	}); err == nil {
		t.Fatalf("expected error on double resolve")
	}
}

func TestResolveMergeRequiresFields(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item, err := models.StageWriteQueueItem(ctx, db, "org1", &models.NewWriteQueueItem{
		EndpointId:       endpoint.ID,
		TargetEntityType: endpoint.EntityType,
		TargetExternalId: "EQ-100",
		Delta:            map[string]string{"forecast_amount": "120.00"},
		Base:             map[string]string{"forecast_amount": "100.00"},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := models.ClaimPendingItems(ctx, db, "org1", "w", 10, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := models.MarkItemConflict(ctx, db, item.ID); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	conflict, err := models.CreateSyncConflict(ctx, db, item, []models.FieldConflict{
		{Field: "forecast_amount", Base: "100.00", Local: "120.00", External: "150.00"},
	})
	if err != nil {
		t.Fatalf("create conflict: %v", err)
	}

	resolver := eamsync.NewResolver(db, eamsync.NewNotifier(nil))
	if _, err := resolver.Resolve(ctx, conflict.ID, &eamsync.ResolveConflictRequest{
		Resolution: models.ResolutionMerge,
	}); err == nil {
		t.Fatalf("expected error for merge without fields")
	}

	merged := map[string]string{"forecast_amount": "135.00"}
	if _, err := resolver.Resolve(ctx, conflict.ID, &eamsync.ResolveConflictRequest{
		Resolution: models.ResolutionMerge,
		Fields:     merged,
	}); err != nil {
		t.Fatalf("merge resolve: %v", err)
	}

	got, err := models.GetWriteQueueItem(ctx, db, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Delta()["forecast_amount"] != "135.00" {
		t.Fatalf("expected merged delta, got %v", got.Delta())
	}
}
