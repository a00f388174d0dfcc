package eamsync_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/buildfocus/equipcast_backend/eamsync"
	"github.com/buildfocus/equipcast_backend/models"
	"gorm.io/gorm"
)

type fakeExternal struct {
	records    map[string]map[string]string
	getErr     error
	updateErr  error
	updates    []map[string]string
	newVersion string
}

func (f *fakeExternal) GetRecord(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, externalId string) (map[string]string, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.records[externalId], nil
}

func (f *fakeExternal) UpdateRecord(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, externalId string, fields map[string]string) (string, error) {
	if f.updateErr != nil {
		return "", f.updateErr
	}
	f.updates = append(f.updates, fields)
	return f.newVersion, nil
}

func testWorkerConfig() eamsync.WorkerConfig {
	return eamsync.WorkerConfig{
		BatchSize:   10,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		LockTTL:     time.Minute,
		CallTimeout: time.Second,
	}
}

func stageForecastEdit(t *testing.T, ctx context.Context, db *gorm.DB, endpoint *models.EamEndpoint, base, local string) *models.WriteQueueItem {
	t.Helper()
	item, err := models.StageWriteQueueItem(ctx, db, "org1", &models.NewWriteQueueItem{
		EndpointId:       endpoint.ID,
		TargetEntityType: endpoint.EntityType,
		TargetExternalId: "EQ-100",
		Delta:            map[string]string{"forecast_amount": local},
		Base:             map[string]string{"forecast_amount": base},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	return item
}

func TestWorkerPushesCleanEdit(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		records:    map[string]map[string]string{"EQ-100": {"forecast_amount": "100.00"}},
		newVersion: "v7",
	}
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), testWorkerConfig())

	entry, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if entry.RecordsCompleted != 1 || entry.RecordsProcessed != 1 {
		t.Fatalf("unexpected pass counts: %+v", entry)
	}
	if len(external.updates) != 1 || external.updates[0]["forecast_amount"] != "120.00" {
		t.Fatalf("expected one push of the delta, got %+v", external.updates)
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ExternalVersion == nil || *got.ExternalVersion != "v7" {
		t.Fatalf("expected stored external version v7, got %v", got.ExternalVersion)
	}
}

func TestWorkerDetectsStagedEditConflict(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	// The classic three-way case: staged against 100, edited locally to 120,
	// changed externally to 150 in the meantime.
	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		records: map[string]map[string]string{"EQ-100": {"forecast_amount": "150.00"}},
	}
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), testWorkerConfig())

	entry, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if entry.RecordsConflicted != 1 {
		t.Fatalf("expected 1 conflicted, got %+v", entry)
	}
	if len(external.updates) != 0 {
		t.Fatalf("conflict must not write, got %+v", external.updates)
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusConflict {
		t.Fatalf("expected conflict status, got %s", got.Status)
	}

	conflicts, err := models.ListConflicts(ctx, db, "org1", false, 10)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict row, got %d", len(conflicts))
	}
	fields := conflicts[0].Fields()
	if len(fields) != 1 || fields[0].Base != "100.00" || fields[0].Local != "120.00" || fields[0].External != "150.00" {
		t.Fatalf("unexpected conflict fields: %+v", fields)
	}
}

func TestWorkerResolvedItemConflictsAgainOnNewExternalEdit(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		records: map[string]map[string]string{"EQ-100": {"forecast_amount": "150.00"}},
	}
	notifier := eamsync.NewNotifier(nil)
	worker := eamsync.NewWorker(db, external, notifier, testWorkerConfig())

	if _, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	conflicts, err := models.ListConflicts(ctx, db, "org1", false, 10)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d (err=%v)", len(conflicts), err)
	}

	resolver := eamsync.NewResolver(db, notifier)
	if _, err := resolver.Resolve(ctx, conflicts[0].ID, &eamsync.ResolveConflictRequest{
		Resolution: models.ResolutionUseLocal,
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Before the requeued push lands, the external record moves again. The
	// next pass must open a fresh conflict for the same item instead of
	// treating it as a retryable error.
	external.records["EQ-100"]["forecast_amount"] = "175.00"

	entry, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("second RunPass: %v", err)
	}
	if entry.RecordsConflicted != 1 || entry.RecordsErrored != 0 {
		t.Fatalf("expected a clean re-conflict, got %+v", entry)
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusConflict {
		t.Fatalf("expected conflict status, got %s (retries=%d)", got.Status, got.RetryCount)
	}

	open, err := models.ListConflicts(ctx, db, "org1", false, 10)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open conflict, got %d", len(open))
	}
	fields := open[0].Fields()
	if len(fields) != 1 || fields[0].Base != "150.00" || fields[0].External != "175.00" {
		t.Fatalf("expected fresh conflict against the moved value, got %+v", fields)
	}

	all, err := models.ListConflicts(ctx, db, "org1", true, 10)
	if err != nil {
		t.Fatalf("ListConflicts all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected resolved + fresh conflict rows, got %d", len(all))
	}
}

func TestWorkerSkipsWriteWhenExternalAlreadyCurrent(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		records: map[string]map[string]string{"EQ-100": {"forecast_amount": "120.0000"}},
	}
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), testWorkerConfig())

	entry, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if entry.RecordsCompleted != 1 {
		t.Fatalf("expected completed without write, got %+v", entry)
	}
	if len(external.updates) != 0 {
		t.Fatalf("no write expected, got %+v", external.updates)
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestWorkerValidationRejectionFailsImmediately(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		records:   map[string]map[string]string{"EQ-100": {"forecast_amount": "100.00"}},
		updateErr: eamsync.NewApiError(http.StatusUnprocessableEntity, []byte("forecast locked")),
	}
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), testWorkerConfig())

	entry, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if entry.RecordsFailed != 1 {
		t.Fatalf("expected 1 failed, got %+v", entry)
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("validation failure must not consume retries, got %d", got.RetryCount)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatalf("expected stored error message")
	}
}

func TestWorkerInternalErrorFailsWithoutRetry(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		getErr: errors.New("constraint violated"),
	}
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), testWorkerConfig())

	entry, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if entry.RecordsFailed != 1 || entry.RecordsErrored != 0 {
		t.Fatalf("expected immediate failure, got %+v", entry)
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("internal failure must not consume retries, got %d", got.RetryCount)
	}
}

func TestWorkerTransientFailureRetriesThenFails(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	item := stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		getErr: eamsync.NewApiError(http.StatusBadGateway, []byte("upstream down")),
	}
	cfg := testWorkerConfig()
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), cfg)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		past := time.Now().UTC().Add(-time.Hour)
		if err := db.WithContext(ctx).Model(&models.WriteQueueItem{}).
			Where("id = ?", item.ID).
			Update("scheduled_at", &past).Error; err != nil {
			t.Fatalf("reset schedule: %v", err)
		}
		if _, err := worker.RunPass(ctx, "org1", models.SyncTriggeredScheduled); err != nil {
			t.Fatalf("RunPass attempt %d: %v", attempt, err)
		}
	}

	got, _ := models.GetWriteQueueItem(ctx, db, item.ID)
	if got.Status != models.QueueStatusFailed {
		t.Fatalf("expected failed after retry budget, got %s (retries=%d)", got.Status, got.RetryCount)
	}
	if got.RetryCount != cfg.MaxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", cfg.MaxAttempts, got.RetryCount)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	max := 10 * time.Minute

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		320 * time.Second,
		600 * time.Second,
		600 * time.Second,
	}
	for i, expected := range want {
		if got := eamsync.Backoff(base, max, i+1); got != expected {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, expected)
		}
	}
}

func TestWorkerPassWritesSyncLog(t *testing.T) {
	db := testDB(t)
	ctx, _, endpoint := seedSyncFixture(t, db, "org1")

	stageForecastEdit(t, ctx, db, endpoint, "100.00", "120.00")
	external := &fakeExternal{
		records: map[string]map[string]string{"EQ-100": {"forecast_amount": "100.00"}},
	}
	worker := eamsync.NewWorker(db, external, eamsync.NewNotifier(nil), testWorkerConfig())

	if _, err := worker.RunPass(ctx, "org1", models.SyncTriggeredManual); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	last, err := models.LastSyncLog(ctx, db, "org1")
	if err != nil {
		t.Fatalf("LastSyncLog: %v", err)
	}
	if last == nil || last.Status != models.SyncLogStatusCompleted {
		t.Fatalf("expected completed sync log, got %+v", last)
	}
	if last.TriggerSource != models.SyncTriggeredManual || last.RecordsProcessed != 1 {
		t.Fatalf("unexpected sync log: %+v", last)
	}
	if last.FinishedAt == nil {
		t.Fatalf("sync log not finalized")
	}
}
