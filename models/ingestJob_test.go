package models_test

import (
	"testing"
	"time"

	"github.com/buildfocus/equipcast_backend/models"
)

func TestClaimIngestJobIsExclusive(t *testing.T) {
	db := testDB(t)
	ctx := orgContext(t, db, "org1")

	job, err := models.CreateIngestJob(ctx, db, "org1", 1, models.SyncTypeFull)
	if err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}

	got, err := models.ClaimIngestJob(ctx, db, job.ID, "worker-a", 5*time.Minute)
	if err != nil || !got {
		t.Fatalf("first claim should win: got=%v err=%v", got, err)
	}
	got, err = models.ClaimIngestJob(ctx, db, job.ID, "worker-b", 5*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if got {
		t.Fatal("second claim must lose while the lock is fresh")
	}

	claimed, err := models.GetIngestJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("GetIngestJob: %v", err)
	}
	if claimed.Status != models.IngestJobStatusProcessing || claimed.LockedBy == nil || *claimed.LockedBy != "worker-a" {
		t.Fatalf("unexpected claim state: %+v", claimed)
	}
}

func TestClaimIngestJobReclaimsStaleLock(t *testing.T) {
	db := testDB(t)
	ctx := orgContext(t, db, "org1")

	job, err := models.CreateIngestJob(ctx, db, "org1", 1, models.SyncTypeFull)
	if err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	if _, err := models.ClaimIngestJob(ctx, db, job.ID, "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stale := time.Now().UTC().Add(-time.Hour)
	if err := db.Model(&models.IngestJob{}).Where("id = ?", job.ID).
		Update("locked_at", &stale).Error; err != nil {
		t.Fatalf("age lock: %v", err)
	}

	got, err := models.ClaimIngestJob(ctx, db, job.ID, "worker-b", 5*time.Minute)
	if err != nil || !got {
		t.Fatalf("stale lock must be reclaimable: got=%v err=%v", got, err)
	}
}

func TestIngestJobDeadAfterAttemptBudget(t *testing.T) {
	db := testDB(t)
	ctx := orgContext(t, db, "org1")

	job, err := models.CreateIngestJob(ctx, db, "org1", 1, models.SyncTypeIncremental)
	if err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}

	for attempt := 1; attempt <= 5; attempt++ {
		got, err := models.ClaimIngestJob(ctx, db, job.ID, "worker-a", 5*time.Minute)
		if err != nil || !got {
			t.Fatalf("claim attempt %d: got=%v err=%v", attempt, got, err)
		}
		current, err := models.GetIngestJob(ctx, db, job.ID)
		if err != nil {
			t.Fatalf("GetIngestJob: %v", err)
		}
		dead, err := models.MarkIngestJobFailed(ctx, db, current, time.Nanosecond, "upstream 502")
		if err != nil {
			t.Fatalf("MarkIngestJobFailed attempt %d: %v", attempt, err)
		}
		if (attempt == 5) != dead {
			t.Fatalf("attempt %d: dead=%v", attempt, dead)
		}
	}

	final, err := models.GetIngestJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("GetIngestJob: %v", err)
	}
	if final.Status != models.IngestJobStatusDead || final.Attempts != 5 {
		t.Fatalf("expected DEAD after 5 attempts, got %+v", final)
	}
	if final.LastError == nil || *final.LastError != "upstream 502" {
		t.Fatalf("last error not recorded: %+v", final)
	}

	got, err := models.ClaimIngestJob(ctx, db, job.ID, "worker-b", 5*time.Minute)
	if err != nil {
		t.Fatalf("claim dead job: %v", err)
	}
	if got {
		t.Fatal("DEAD jobs must not be claimable")
	}
}

func TestMarkIngestJobSucceededClearsLock(t *testing.T) {
	db := testDB(t)
	ctx := orgContext(t, db, "org1")

	job, err := models.CreateIngestJob(ctx, db, "org1", 2, models.SyncTypeFull)
	if err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	if _, err := models.ClaimIngestJob(ctx, db, job.ID, "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := models.MarkIngestJobSucceeded(ctx, db, job.ID, 99); err != nil {
		t.Fatalf("MarkIngestJobSucceeded: %v", err)
	}

	done, err := models.GetIngestJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("GetIngestJob: %v", err)
	}
	if done.Status != models.IngestJobStatusSucceeded || done.BatchId == nil || *done.BatchId != 99 {
		t.Fatalf("unexpected success state: %+v", done)
	}
	if done.LockedAt != nil || done.LockedBy != nil {
		t.Fatalf("lock not cleared: %+v", done)
	}
}

func TestListDueIngestJobsSkipsFreshlyLocked(t *testing.T) {
	db := testDB(t)
	ctx := orgContext(t, db, "org1")

	pending, err := models.CreateIngestJob(ctx, db, "org1", 1, models.SyncTypeFull)
	if err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	locked, err := models.CreateIngestJob(ctx, db, "org1", 2, models.SyncTypeFull)
	if err != nil {
		t.Fatalf("CreateIngestJob: %v", err)
	}
	if _, err := models.ClaimIngestJob(ctx, db, locked.ID, "worker-a", 5*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	due, err := models.ListDueIngestJobs(ctx, db, 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("ListDueIngestJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != pending.ID {
		t.Fatalf("expected only the pending job, got %+v", due)
	}
}
