package eamsync

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/buildfocus/equipcast_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// Archiver persists expiring raw records somewhere durable before they are
// deleted. It returns the archive location. Swappable for tests.
type Archiver func(ctx context.Context, organizationId string, records []models.RawRecord) (string, error)

// Pruner enforces the retention window on the raw layer. Deletion is the
// batch cascade, the single sanctioned destructive path.
type Pruner struct {
	store    *models.RawStore
	archiver Archiver
	notifier *Notifier
}

func NewPruner(db *gorm.DB, notifier *Notifier) *Pruner {
	return &Pruner{
		store:    models.NewRawStore(db),
		archiver: archiveToExcelGCS,
		notifier: notifier,
	}
}

// WithArchiver overrides the archive destination.
func (p *Pruner) WithArchiver(a Archiver) *Pruner {
	p.archiver = a
	return p
}

// PruneRawRecords deletes records older than the retention window. A dry run
// reports exactly the count the real run would delete, via the same candidate
// query, and mutates nothing. When archival is enabled, a failed archive
// aborts the run with nothing deleted.
func (p *Pruner) PruneRawRecords(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	start := time.Now()
	result := PruneResult{Errors: []string{}}

	cutoff := time.Now().UTC().AddDate(0, 0, -opts.RetentionDays)

	if opts.DryRun {
		count, err := p.store.CountRecordsBefore(ctx, cutoff)
		if err != nil {
			return result, err
		}
		result.Deleted = count
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	organizationId, _ := utils.GetOrganizationIdFromContext(ctx)

	if opts.EnableArchival {
		candidates, err := p.store.ListRecordsBefore(ctx, cutoff, 0)
		if err != nil {
			return result, err
		}
		if len(candidates) > 0 {
			location, err := p.archiver(ctx, organizationId, candidates)
			if err != nil {
				result.Errors = append(result.Errors, "archive failed: "+err.Error())
				result.DurationMs = time.Since(start).Milliseconds()
				return result, err
			}
			result.Archived = int64(len(candidates))
			config.GetLogger().WithFields(logrus.Fields{
				"organizationId": organizationId,
				"records":        len(candidates),
				"location":       location,
			}).Info("raw records archived")
		}
	}

	deleted, err := p.store.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		return result, err
	}
	result.Deleted = deleted
	result.DurationMs = time.Since(start).Milliseconds()

	config.GetLogger().WithFields(logrus.Fields{
		"organizationId": organizationId,
		"retentionDays":  opts.RetentionDays,
		"deleted":        deleted,
		"archived":       result.Archived,
	}).Info("raw retention pruning completed")

	if p.notifier != nil && organizationId != "" {
		p.notifier.Publish(ctx, organizationId, Event{
			Type:   EventPruneCompleted,
			Detail: fmt.Sprintf("%d records deleted, %d archived", deleted, result.Archived),
		})
	}
	return result, nil
}

// archiveToExcelGCS writes the candidate rows into a spreadsheet and uploads
// it to the archive bucket under eam-archive/<org>/<timestamp>.xlsx.
func archiveToExcelGCS(ctx context.Context, organizationId string, records []models.RawRecord) (string, error) {
	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return "", fmt.Errorf("GCS_BUCKET is not configured")
	}

	file := excelize.NewFile()
	defer file.Close()

	sheet := "RawRecords"
	index, err := file.NewSheet(sheet)
	if err != nil {
		return "", err
	}
	file.SetActiveSheet(index)
	file.DeleteSheet("Sheet1")

	headers := []string{"ID", "BatchId", "EntityType", "ExternalId", "SchemaVersion", "Valid", "IngestedAt", "Payload"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := file.SetCellValue(sheet, cell, h); err != nil {
			return "", err
		}
	}
	for row, rec := range records {
		values := []interface{}{
			rec.ID,
			rec.BatchId,
			rec.EntityType,
			rec.ExternalId,
			rec.SchemaVersion,
			rec.Valid,
			rec.IngestedAt.Format(time.RFC3339),
			string(rec.PayloadJSON),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := file.SetCellValue(sheet, cell, v); err != nil {
				return "", err
			}
		}
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	objectName := fmt.Sprintf("eam-archive/%s/%s.xlsx", organizationId, time.Now().UTC().Format("20060102T150405Z"))
	writer := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	writer.ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	if err := file.Write(writer); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return "gs://" + bucketName + "/" + objectName, nil
}
