package eamsync

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/buildfocus/equipcast_backend/config"
	"github.com/buildfocus/equipcast_backend/models"
	"github.com/buildfocus/equipcast_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func ingestTopicName() string {
	if v := os.Getenv("EAM_INGEST_TOPIC"); v != "" {
		return v
	}
	return "eam-ingest-jobs"
}

// PublishIngestJob records an IngestJob row and publishes its id to Pub/Sub.
// The row is the source of truth; a publish failure is tolerated because the
// direct processor drains unpublished rows.
func PublishIngestJob(ctx context.Context, db *gorm.DB, organizationId string, endpointId uint, syncType string) (*models.IngestJob, error) {
	job, err := models.CreateIngestJob(ctx, db, organizationId, endpointId, syncType)
	if err != nil {
		return nil, err
	}

	payload := IngestPubSubPayload{JobId: job.ID, OrganizationId: organizationId}
	if _, err := config.PublishJSON(ctx, ingestTopicName(), payload); err != nil {
		config.GetLogger().WithFields(logrus.Fields{
			"jobId":          job.ID,
			"organizationId": organizationId,
		}).Warn("ingest job publish failed, direct processor will pick it up: " + err.Error())
	}
	return job, nil
}

// ProcessIngestJob claims one job and runs the ingestion it describes. Shared
// by the Pub/Sub push handler and the direct processor; at-least-once
// delivery is safe because each run opens its own batch and the claim is
// exclusive.
func ProcessIngestJob(ctx context.Context, db *gorm.DB, ingestor *Ingestor, jobId int, workerId string, lockTTL time.Duration) error {
	job, err := models.GetIngestJob(ctx, db, jobId)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	claimed, err := models.ClaimIngestJob(ctx, db, jobId, workerId, lockTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	jobCtx := utils.SetOrganizationIdInContext(ctx, job.OrganizationId)
	if job.CorrelationId != "" {
		jobCtx = utils.SetCorrelationIdInContext(jobCtx, job.CorrelationId)
	}

	result, err := ingestor.IngestBatch(jobCtx, job.EndpointId, job.SyncType)
	if err == nil && !result.Success {
		err = &ingestRunError{msg: result.Error}
	}
	if err != nil {
		backoff := Backoff(30*time.Second, 15*time.Minute, job.Attempts+1)
		dead, merr := models.MarkIngestJobFailed(ctx, db, job, backoff, err.Error())
		if merr != nil {
			return merr
		}
		if dead {
			config.GetLogger().WithFields(logrus.Fields{
				"jobId":          job.ID,
				"organizationId": job.OrganizationId,
			}).Error("ingest job dead after max attempts: " + err.Error())
		}
		return err
	}
	return models.MarkIngestJobSucceeded(ctx, db, job.ID, result.BatchId)
}

type ingestRunError struct{ msg string }

func (e *ingestRunError) Error() string { return e.msg }

// PubSubPushHandler is the endpoint Pub/Sub push subscriptions deliver to.
// Always acks malformed envelopes; redelivery cannot fix them.
func PubSubPushHandler(db *gorm.DB, ingestor *Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		var payload IngestPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || payload.JobId == 0 {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		err := ProcessIngestJob(c.Request.Context(), db, ingestor, payload.JobId, "pubsub-"+envelope.Message.ID, 5*time.Minute)
		if err != nil {
			// Non-2xx triggers Pub/Sub redelivery; the retry budget on the
			// job row caps how long that goes on.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
