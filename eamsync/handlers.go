package eamsync

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildfocus/equipcast_backend/models"
	"github.com/buildfocus/equipcast_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Handlers carries the HTTP surface's dependencies. Everything is injected;
// no handler reaches for globals.
type Handlers struct {
	DB       *gorm.DB
	Ingestor *Ingestor
	Pruner   *Pruner
	Worker   *Worker
	Resolver *Resolver
	Notifier *Notifier
}

func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/connection", h.GetConnection())
	api.POST("/connect", h.Connect())
	api.POST("/disconnect", h.Disconnect())
	api.GET("/endpoints", h.ListEndpoints())

	api.POST("/ingest", h.Ingest())
	api.POST("/ingest-runs", h.QueueIngestRun())
	api.POST("/prune", h.Prune())

	api.POST("/write-queue", h.StageWriteback())
	api.GET("/write-queue", h.ListWriteQueue())
	api.POST("/write-sync", h.TriggerWriteSync())
	api.GET("/sync-status", h.SyncStatus())
	api.GET("/sync-logs", h.SyncLogs())

	api.GET("/conflicts", h.ListConflicts())
	api.POST("/conflicts/:id/resolve", h.ResolveConflict())

	api.GET("/events", h.Events())
}

func resolveOrganizationID(c *gin.Context) (string, error) {
	organizationId := strings.TrimSpace(c.GetHeader("X-Organization-Id"))
	if organizationId == "" {
		organizationId = strings.TrimSpace(c.Query("organizationId"))
	}
	if organizationId == "" {
		return "", errors.New("organization id is required")
	}
	return organizationId, nil
}

// requestContext resolves and validates the organization, then rebinds the
// request context with organization and correlation ids.
func (h *Handlers) requestContext(c *gin.Context) (organizationId string, ok bool) {
	organizationId, err := resolveOrganizationID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	if _, err := models.GetOrganizationById(c.Request.Context(), h.DB, organizationId); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown organization"})
		return "", false
	}

	reqCtx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
	correlationId := strings.TrimSpace(c.GetHeader("X-Correlation-Id"))
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	reqCtx = utils.SetCorrelationIdInContext(reqCtx, correlationId)
	c.Request = c.Request.WithContext(reqCtx)
	return organizationId, true
}

func (h *Handlers) GetConnection() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		conn, err := models.GetEamConnection(c.Request.Context(), h.DB, organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"status": models.EamStatusDisconnected})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":            conn.Status,
			"provider":          conn.Provider,
			"baseUrl":           conn.BaseURL,
			"authType":          conn.AuthType,
			"lastSyncAt":        conn.LastSyncAt,
			"lastSuccessSyncAt": conn.LastSuccessSyncAt,
		})
	}
}

func (h *Handlers) Connect() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}
		if req.AuthType == models.EamAuthTypeBasic && strings.TrimSpace(req.Username) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username is required for basic auth"})
			return
		}

		conn, err := models.UpsertEamConnection(c.Request.Context(), h.DB, &models.EamConnection{
			OrganizationId: organizationId,
			Provider:       models.EamProviderTitan,
			BaseURL:        strings.TrimRight(req.BaseURL, "/"),
			AuthType:       req.AuthType,
			Username:       req.Username,
			AuthSecretRef:  req.Secret,
			ApiKeyHeader:   req.ApiKeyHeader,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": conn.Status})
	}
}

func (h *Handlers) Disconnect() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		if err := models.DisconnectEamConnection(c.Request.Context(), h.DB, organizationId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.EamStatusDisconnected})
	}
}

func (h *Handlers) ListEndpoints() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		endpoints, err := models.ListActiveEndpoints(c.Request.Context(), h.DB, organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
	}
}

func (h *Handlers) Ingest() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ok := h.requestContext(c)
		if !ok {
			return
		}
		var req IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}

		result, err := h.Ingestor.IngestBatch(c.Request.Context(), req.EndpointId, req.SyncType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (h *Handlers) QueueIngestRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		var req IngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}

		job, err := PublishIngestJob(c.Request.Context(), h.DB, organizationId, req.EndpointId, req.SyncType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "status": job.Status})
	}
}

func (h *Handlers) Prune() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ok := h.requestContext(c)
		if !ok {
			return
		}
		var opts PruneOptions
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}

		result, err := h.Pruner.PruneRawRecords(c.Request.Context(), opts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (h *Handlers) StageWriteback() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		var input models.NewWriteQueueItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}

		item, err := models.StageWriteQueueItem(c.Request.Context(), h.DB, organizationId, &input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if h.Notifier != nil {
			h.Notifier.Publish(c.Request.Context(), organizationId, Event{
				Type:       EventSyncQueued,
				ItemId:     item.ID,
				EntityType: item.TargetEntityType,
				ExternalId: item.TargetExternalId,
			})
		}
		c.JSON(http.StatusCreated, item)
	}
}

func (h *Handlers) ListWriteQueue() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		status := strings.TrimSpace(c.Query("status"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		items, err := models.ListWriteQueueItems(c.Request.Context(), h.DB, organizationId, status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func (h *Handlers) TriggerWriteSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		var req WriteSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}
		if req.OrganizationId != organizationId {
			c.JSON(http.StatusForbidden, gin.H{"error": "organization mismatch"})
			return
		}

		counts, err := models.CountQueueByStatus(c.Request.Context(), h.DB, organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		entry, err := h.Worker.BeginPass(c.Request.Context(), organizationId, models.SyncTriggeredManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Rough estimate: one external round-trip per queued item.
		eta := time.Now().UTC().Add(time.Duration(counts.Pending+1) * time.Second)
		c.JSON(http.StatusAccepted, WriteSyncResponse{
			JobId:                   entry.ID,
			QueuedCount:             counts.Pending,
			EstimatedCompletionTime: eta,
		})
	}
}

func (h *Handlers) SyncStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		counts, err := models.CountQueueByStatus(c.Request.Context(), h.DB, organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, buildSyncStatus(counts))
	}
}

func buildSyncStatus(counts models.QueueCounts) SyncStatusResponse {
	finished := counts.Completed + counts.Failed
	rate := 1.0
	if finished > 0 {
		rate = float64(counts.Completed) / float64(finished)
	}
	health := "healthy"
	switch {
	case rate < 0.5:
		health = "unhealthy"
	case rate < 0.9 || counts.Conflict > 0:
		health = "degraded"
	}
	return SyncStatusResponse{
		TotalQueued: counts.Pending + counts.Conflict,
		Processing:  counts.Processing,
		Completed:   counts.Completed,
		Failed:      counts.Failed,
		Health:      health,
		SuccessRate: rate,
	}
}

func (h *Handlers) SyncLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		logs, err := models.ListSyncLogs(c.Request.Context(), h.DB, organizationId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	}
}

func (h *Handlers) ListConflicts() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		includeResolved := c.Query("includeResolved") == "true"
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

		conflicts, err := models.ListConflicts(c.Request.Context(), h.DB, organizationId, includeResolved, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]gin.H, 0, len(conflicts))
		for i := range conflicts {
			out = append(out, gin.H{
				"id":         conflicts[i].ID,
				"queueItem":  conflicts[i].QueueItemId,
				"entityType": conflicts[i].EntityType,
				"externalId": conflicts[i].ExternalId,
				"fields":     conflicts[i].Fields(),
				"status":     conflicts[i].Status,
				"resolution": conflicts[i].Resolution,
				"resolvedAt": conflicts[i].ResolvedAt,
				"createdAt":  conflicts[i].CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": out})
	}
}

func (h *Handlers) ResolveConflict() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ok := h.requestContext(c)
		if !ok {
			return
		}
		conflictId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conflict id"})
			return
		}
		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ValidationErrorResponse(err)})
			return
		}

		conflict, err := h.Resolver.Resolve(c.Request.Context(), uint(conflictId), &req)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found"})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, conflict)
	}
}

// Events streams notifier events to the client as SSE. No replay: clients
// reconnecting are expected to refresh via the sync-status endpoint.
func (h *Handlers) Events() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := h.requestContext(c)
		if !ok {
			return
		}
		events, cancel := h.Notifier.Subscribe(organizationId)
		defer cancel()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case event, open := <-events:
				if !open {
					return false
				}
				c.SSEvent(event.Type, event)
				return true
			case <-heartbeat.C:
				c.SSEvent("heartbeat", gin.H{"ts": time.Now().UTC()})
				return true
			}
		})
	}
}
