package eamsync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/buildfocus/equipcast_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// ExternalClient is the write side of the external adapter, what the sync
// worker needs.
type ExternalClient interface {
	GetRecord(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, externalId string) (map[string]string, error)
	UpdateRecord(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, externalId string, fields map[string]string) (string, error)
}

type WorkerConfig struct {
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	LockTTL     time.Duration
	CallTimeout time.Duration
}

func WorkerConfigFromEnv() WorkerConfig {
	return WorkerConfig{
		BatchSize:   envInt("SYNC_WORKER_BATCH_SIZE", 50),
		MaxAttempts: envInt("SYNC_WORKER_MAX_ATTEMPTS", 10),
		BaseBackoff: time.Duration(envInt("SYNC_WORKER_BASE_BACKOFF_SECONDS", 5)) * time.Second,
		MaxBackoff:  time.Duration(envInt("SYNC_WORKER_MAX_BACKOFF_SECONDS", 600)) * time.Second,
		LockTTL:     time.Duration(envInt("SYNC_WORKER_LOCK_TTL_SECONDS", 300)) * time.Second,
		CallTimeout: time.Duration(envInt("SYNC_WORKER_CALL_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Backoff computes the delay before attempt n (1-based): base * 2^(n-1),
// capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Worker drains the write queue for one organization at a time. Exclusivity
// comes from the optimistic item claim, so any number of worker instances can
// run the same pass concurrently.
type Worker struct {
	db       *gorm.DB
	client   ExternalClient
	notifier *Notifier
	cfg      WorkerConfig
	workerId string
}

func NewWorker(db *gorm.DB, client ExternalClient, notifier *Notifier, cfg WorkerConfig) *Worker {
	return &Worker{
		db:       db,
		client:   client,
		notifier: notifier,
		cfg:      cfg,
		workerId: "eam-sync-" + uuid.NewString()[:8],
	}
}

// RunPass claims and processes one batch of due items for the organization,
// writing one SyncLog row. Callable directly (manual trigger, tests) and from
// the scheduler.
func (w *Worker) RunPass(ctx context.Context, organizationId, triggerSource string) (*models.SyncLog, error) {
	ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
	entry, err := models.OpenSyncLog(ctx, w.db, organizationId, triggerSource)
	if err != nil {
		return nil, err
	}
	if err := w.drain(ctx, entry, organizationId); err != nil {
		return entry, err
	}
	return entry, nil
}

// BeginPass opens the SyncLog row and returns it immediately; processing
// continues in the background. Used by the manual HTTP trigger, which must
// not hold the request open across external calls.
func (w *Worker) BeginPass(ctx context.Context, organizationId, triggerSource string) (*models.SyncLog, error) {
	ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
	entry, err := models.OpenSyncLog(ctx, w.db, organizationId, triggerSource)
	if err != nil {
		return nil, err
	}
	go func() {
		bg := utils.SetOrganizationIdInContext(context.Background(), organizationId)
		if err := w.drain(bg, entry, organizationId); err != nil {
			config.LogError(config.GetLogger(), "eamsync", "BeginPass", "background pass", organizationId, err)
		}
	}()
	return entry, nil
}

func (w *Worker) drain(ctx context.Context, entry *models.SyncLog, organizationId string) error {
	ctx, span := otel.Tracer("eamsync").Start(ctx, "SyncWorkerPass")
	defer span.End()
	span.SetAttributes(attribute.String("organization.id", organizationId))

	conn, err := models.GetEamConnection(ctx, w.db, organizationId)
	if err != nil {
		msg := err.Error()
		_ = models.FinalizeSyncLog(ctx, w.db, entry, models.SyncLogStatusFailed, &msg)
		return err
	}
	if conn == nil || conn.Status != models.EamStatusConnected {
		msg := "no connected eam system"
		_ = models.FinalizeSyncLog(ctx, w.db, entry, models.SyncLogStatusFailed, &msg)
		return fmt.Errorf("organization %s: %s", organizationId, msg)
	}

	items, err := models.ClaimPendingItems(ctx, w.db, organizationId, w.workerId, w.cfg.BatchSize, w.cfg.LockTTL)
	if err != nil {
		msg := err.Error()
		_ = models.FinalizeSyncLog(ctx, w.db, entry, models.SyncLogStatusFailed, &msg)
		return err
	}

	endpoints := map[uint]*models.EamEndpoint{}
	for i := range items {
		item := &items[i]
		entry.RecordsProcessed++

		endpoint, ok := endpoints[item.EndpointId]
		if !ok {
			endpoint, err = models.GetEamEndpoint(ctx, w.db, item.EndpointId)
			if err != nil {
				w.recordError(ctx, entry, item, fmt.Errorf("endpoint %d: %w", item.EndpointId, err))
				continue
			}
			endpoints[item.EndpointId] = endpoint
		}

		w.processItem(ctx, entry, conn, endpoint, item)
	}

	_ = models.TouchLastSyncAt(ctx, w.db, conn.ID)

	if err := models.FinalizeSyncLog(ctx, w.db, entry, models.SyncLogStatusCompleted, nil); err != nil {
		return err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"organizationId": organizationId,
		"trigger":        entry.TriggerSource,
		"processed":      entry.RecordsProcessed,
		"completed":      entry.RecordsCompleted,
		"conflicted":     entry.RecordsConflicted,
		"failed":         entry.RecordsFailed,
		"durationMs":     entry.DurationMs,
	}).Info("sync worker pass finished")
	return nil
}

func (w *Worker) processItem(ctx context.Context, entry *models.SyncLog, conn *models.EamConnection, endpoint *models.EamEndpoint, item *models.WriteQueueItem) {
	w.publish(ctx, item, EventSyncProcessing, "")

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	external, err := w.client.GetRecord(callCtx, conn, endpoint, item.TargetExternalId)
	cancel()
	if err != nil {
		w.recordError(ctx, entry, item, err)
		return
	}

	base := item.Base()
	delta := item.Delta()

	conflicts := DetectConflicts(base, delta, external)
	if len(conflicts) > 0 {
		if _, cerr := models.CreateSyncConflict(ctx, w.db, item, conflicts); cerr != nil {
			w.recordError(ctx, entry, item, cerr)
			return
		}
		if cerr := models.MarkItemConflict(ctx, w.db, item.ID); cerr != nil {
			w.recordError(ctx, entry, item, cerr)
			return
		}
		entry.RecordsConflicted++
		w.publish(ctx, item, EventSyncConflict, fmt.Sprintf("%d fields diverged", len(conflicts)))
		return
	}

	if externalMatchesDelta(delta, external) {
		if cerr := models.MarkItemCompleted(ctx, w.db, item.ID, item.ExternalVersion); cerr != nil {
			w.recordError(ctx, entry, item, cerr)
			return
		}
		entry.RecordsCompleted++
		w.publish(ctx, item, EventSyncSuccess, "external already current")
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, w.cfg.CallTimeout)
	version, err := w.client.UpdateRecord(callCtx, conn, endpoint, item.TargetExternalId, delta)
	cancel()
	if err != nil {
		w.recordError(ctx, entry, item, err)
		return
	}

	var versionPtr *string
	if version != "" {
		versionPtr = &version
	}
	if cerr := models.MarkItemCompleted(ctx, w.db, item.ID, versionPtr); cerr != nil {
		w.recordError(ctx, entry, item, cerr)
		return
	}
	entry.RecordsCompleted++
	w.publish(ctx, item, EventSyncSuccess, "")
}

// recordError routes a processing failure: transient errors (timeouts,
// network, 5xx) retry with exponential backoff until the attempt budget runs
// out; validation rejections and internal errors fail the item permanently —
// retrying cannot fix either.
func (w *Worker) recordError(ctx context.Context, entry *models.SyncLog, item *models.WriteQueueItem, err error) {
	msg := err.Error()

	if !IsTransient(err) {
		if ferr := models.MarkItemFailed(ctx, w.db, item.ID, msg); ferr != nil {
			config.LogError(config.GetLogger(), "eamsync", "recordError", "mark item failed", item.ID, ferr)
		}
		entry.RecordsFailed++
		w.publish(ctx, item, EventSyncFailed, msg)
		// Validation rejections are expected data from the external system;
		// anything else permanent here is an internal error worth noise.
		if !IsValidation(err) {
			config.GetLogger().WithFields(logrus.Fields{"itemId": item.ID}).Error("sync item failed on non-retryable error: " + msg)
		}
		return
	}

	backoff := Backoff(w.cfg.BaseBackoff, w.cfg.MaxBackoff, item.RetryCount+1)
	terminal, rerr := models.RescheduleItemRetry(ctx, w.db, item, backoff, w.cfg.MaxAttempts, msg)
	if rerr != nil {
		config.LogError(config.GetLogger(), "eamsync", "recordError", "reschedule retry", item.ID, rerr)
	}
	if terminal {
		entry.RecordsFailed++
		w.publish(ctx, item, EventSyncFailed, msg)
		return
	}
	entry.RecordsErrored++

	config.GetLogger().WithFields(logrus.Fields{
		"itemId":  item.ID,
		"attempt": item.RetryCount + 1,
		"backoff": backoff.String(),
	}).Warn("sync item retry scheduled: " + msg)
}

// externalMatchesDelta reports whether the external record already carries
// every queued value; nothing to push then.
func externalMatchesDelta(delta, external map[string]string) bool {
	for field, localVal := range delta {
		if !valuesEqual(external[field], localVal) {
			return false
		}
	}
	return true
}

func (w *Worker) publish(ctx context.Context, item *models.WriteQueueItem, eventType, detail string) {
	if w.notifier == nil {
		return
	}
	w.notifier.Publish(ctx, item.OrganizationId, Event{
		Type:       eventType,
		ItemId:     item.ID,
		EntityType: item.TargetEntityType,
		ExternalId: item.TargetExternalId,
		Detail:     detail,
	})
}
