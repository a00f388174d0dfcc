package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/buildfocus/equipcast_backend/eamsync"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IngestDirectProcessor drives queued ingest jobs without Pub/Sub. Intended
// for local/dev environments, and as a safety net in production where push
// delivery can be misconfigured and leave rows stuck in PENDING. At-least-once
// processing is safe: every run opens its own batch and the job claim is
// exclusive.
type IngestDirectProcessor struct {
	DB        *gorm.DB
	Ingestor  *eamsync.Ingestor
	Logger    *logrus.Logger
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewIngestDirectProcessor(db *gorm.DB, ingestor *eamsync.Ingestor, logger *logrus.Logger) *IngestDirectProcessor {
	return &IngestDirectProcessor{
		DB:        db,
		Ingestor:  ingestor,
		Logger:    logger,
		WorkerID:  "direct-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 10,
		Interval:  5 * time.Second,
		LockTTL:   5 * time.Minute,
	}
}

func shouldRunDirectIngestProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("INGEST_DIRECT_PROCESSING")))
	if val == "true" {
		return true
	}
	if val == "false" {
		return false
	}
	return true
}

func (p *IngestDirectProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *IngestDirectProcessor) processOnce(ctx context.Context) {
	jobs, err := models.ListDueIngestJobs(ctx, p.DB, p.BatchSize, p.LockTTL)
	if err != nil {
		p.Logger.WithFields(logrus.Fields{"worker": p.WorkerID}).Error("list due ingest jobs: " + err.Error())
		return
	}
	for _, job := range jobs {
		if err := eamsync.ProcessIngestJob(ctx, p.DB, p.Ingestor, job.ID, p.WorkerID, p.LockTTL); err != nil {
			p.Logger.WithFields(logrus.Fields{
				"worker": p.WorkerID,
				"jobId":  job.ID,
			}).Warn("ingest job attempt failed: " + err.Error())
		}
	}
}
