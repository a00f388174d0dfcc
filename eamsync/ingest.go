package eamsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/buildfocus/equipcast_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Fetcher is the read side of the external adapter, what ingestion needs.
type Fetcher interface {
	FetchRaw(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, orgFilter string, page Page) (FetchResult, error)
}

// Ingestor pulls external records page by page into the append-only raw
// layer. Every run is one RawBatch; a run that dies mid-stream leaves its
// batch failed with whatever records made it in.
type Ingestor struct {
	db       *gorm.DB
	store    *models.RawStore
	client   Fetcher
	notifier *Notifier
	pageSize int
}

func NewIngestor(db *gorm.DB, client Fetcher, notifier *Notifier) *Ingestor {
	pageSize := 500
	if v := strings.TrimSpace(os.Getenv("EAM_INGEST_PAGE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	return &Ingestor{
		db:       db,
		store:    models.NewRawStore(db),
		client:   client,
		notifier: notifier,
		pageSize: pageSize,
	}
}

// IngestBatch runs one full or incremental pull for an endpoint. Re-running
// the same request is always safe: each run writes its own batch and never
// touches earlier ones.
func (ing *Ingestor) IngestBatch(ctx context.Context, endpointId uint, syncType string) (IngestResult, error) {
	ctx, span := otel.Tracer("eamsync").Start(ctx, "IngestBatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("endpoint.id", int(endpointId)),
		attribute.String("sync.type", syncType),
	)

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok {
		return IngestResult{}, fmt.Errorf("organization id missing from context")
	}

	endpoint, err := models.GetEamEndpoint(ctx, ing.db, endpointId)
	if err != nil {
		return IngestResult{}, fmt.Errorf("endpoint %d: %w", endpointId, err)
	}
	conn, err := models.GetEamConnection(ctx, ing.db, organizationId)
	if err != nil {
		return IngestResult{}, err
	}
	if conn == nil || conn.Status != models.EamStatusConnected {
		return IngestResult{}, fmt.Errorf("organization %s has no connected eam system", organizationId)
	}

	org, err := models.GetOrganizationById(ctx, ing.db, organizationId)
	if err != nil {
		return IngestResult{}, err
	}

	updatedSince := ""
	if syncType == models.SyncTypeIncremental {
		updatedSince = ing.watermarkFor(conn, endpoint)
	}

	batch := models.RawBatch{
		OrganizationId: organizationId,
		EndpointId:     endpoint.ID,
		EntityType:     endpoint.EntityType,
		SyncType:       syncType,
		SchemaVersion:  endpoint.SchemaVersion,
		StartedAt:      time.Now().UTC(),
	}
	if err := ing.store.OpenBatch(ctx, &batch); err != nil {
		return IngestResult{}, err
	}

	ing.publish(ctx, organizationId, Event{
		Type:       EventIngestStarted,
		EntityType: endpoint.EntityType,
		Detail:     syncType,
	})

	total, valid, invalid, err := ing.pageAll(ctx, conn, endpoint, org.Code, updatedSince, &batch)
	if err != nil {
		msg := err.Error()
		if ferr := ing.store.FailBatch(ctx, batch.ID, total, valid, invalid, msg); ferr != nil {
			config.LogError(config.GetLogger(), "eamsync", "IngestBatch", "mark batch failed", batch.ID, ferr)
		}
		ing.publish(ctx, organizationId, Event{
			Type:       EventIngestFailed,
			EntityType: endpoint.EntityType,
			Detail:     msg,
		})
		return IngestResult{BatchId: batch.ID, RecordCount: total, Success: false, Error: msg}, nil
	}

	if err := ing.store.CompleteBatch(ctx, batch.ID, total, valid, invalid); err != nil {
		return IngestResult{}, err
	}
	if err := models.SaveCursorEntry(ctx, ing.db, conn, strconv.FormatUint(uint64(endpoint.ID), 10), models.CursorEntry{
		UpdatedSince: batch.StartedAt.Format(time.RFC3339),
	}); err != nil {
		config.LogError(config.GetLogger(), "eamsync", "IngestBatch", "save cursor", conn.ID, err)
	}

	config.GetLogger().WithFields(logrus.Fields{
		"organizationId": organizationId,
		"batchId":        batch.ID,
		"entityType":     endpoint.EntityType,
		"syncType":       syncType,
		"records":        total,
		"invalid":        invalid,
	}).Info("raw ingestion completed")

	ing.publish(ctx, organizationId, Event{
		Type:       EventIngestCompleted,
		EntityType: endpoint.EntityType,
		Detail:     fmt.Sprintf("batch %d, %d records", batch.ID, total),
	})

	return IngestResult{BatchId: batch.ID, RecordCount: total, Success: true}, nil
}

func (ing *Ingestor) pageAll(ctx context.Context, conn *models.EamConnection, endpoint *models.EamEndpoint, orgCode, updatedSince string, batch *models.RawBatch) (total, valid, invalid int, err error) {
	offset := 0
	for {
		result, ferr := ing.client.FetchRaw(ctx, conn, endpoint, orgCode, Page{
			Limit:        ing.pageSize,
			Offset:       offset,
			UpdatedSince: updatedSince,
		})
		if ferr != nil {
			return total, valid, invalid, ferr
		}
		if len(result.Records) == 0 {
			return total, valid, invalid, nil
		}

		records := make([]models.RawRecord, 0, len(result.Records))
		now := time.Now().UTC()
		for _, payload := range result.Records {
			externalId := payload[endpoint.IdentityField]
			encoded, merr := json.Marshal(payload)
			if merr != nil {
				return total, valid, invalid, merr
			}
			isValid := externalId != ""
			if isValid {
				valid++
			} else {
				invalid++
			}
			records = append(records, models.RawRecord{
				BatchId:        batch.ID,
				OrganizationId: batch.OrganizationId,
				EntityType:     endpoint.EntityType,
				ExternalId:     externalId,
				SchemaVersion:  endpoint.SchemaVersion,
				PayloadJSON:    encoded,
				Valid:          isValid,
				IngestedAt:     now,
			})
		}
		if ierr := ing.store.InsertRecords(ctx, records); ierr != nil {
			return total, valid, invalid, ierr
		}
		total += len(records)
		offset += len(result.Records)

		if result.TotalCount > 0 && offset >= result.TotalCount {
			return total, valid, invalid, nil
		}
		if len(result.Records) < ing.pageSize {
			return total, valid, invalid, nil
		}
	}
}

// watermarkFor resolves the incremental updated-since filter: cursor state
// first, the newest completed batch's start time as fallback for endpoints
// synced before cursors existed.
func (ing *Ingestor) watermarkFor(conn *models.EamConnection, endpoint *models.EamEndpoint) string {
	key := strconv.FormatUint(uint64(endpoint.ID), 10)
	if entry, ok := conn.CursorState()[key]; ok && entry.UpdatedSince != "" {
		return entry.UpdatedSince
	}
	last, err := ing.store.LastCompletedBatch(context.Background(), endpoint.ID)
	if err != nil || last == nil {
		return ""
	}
	return last.StartedAt.Format(time.RFC3339)
}

func (ing *Ingestor) publish(ctx context.Context, organizationId string, event Event) {
	if ing.notifier != nil {
		ing.notifier.Publish(ctx, organizationId, event)
	}
}
