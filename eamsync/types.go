package eamsync

import (
	"time"
)

// Page is the adapter-level pagination window. UpdatedSince carries the
// incremental watermark (RFC3339) when the caller is doing an incremental run.
type Page struct {
	Limit        int
	Offset       int
	UpdatedSince string
}

// FetchResult is the uniform list-of-records shape both wire protocols are
// normalized into at the adapter boundary. Downstream code never re-inspects
// which protocol produced it.
type FetchResult struct {
	Records    []map[string]string
	TotalCount int
	StatusCode int
	ElapsedMs  int64
}

// Grid protocol wire types. The grid endpoint is a tabular bulk-query API:
// a named grid, a sort alias, an equality/prefix filter on the organization
// code and row-offset pagination. Rows come back as arrays of alias/value
// cells the adapter flattens.
type gridFilter struct {
	Alias    string `json:"alias"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type gridRequest struct {
	GridName     string       `json:"gridName"`
	SortAlias    string       `json:"sortAlias,omitempty"`
	Filters      []gridFilter `json:"filters,omitempty"`
	RowOffset    int          `json:"rowOffset"`
	RowCount     int          `json:"rowCount"`
	UpdatedSince string       `json:"updatedSince,omitempty"`
}

type gridCell struct {
	Alias string `json:"alias"`
	Value string `json:"value"`
}

type gridRow struct {
	Cells []gridCell `json:"cells"`
}

type gridResponse struct {
	TotalRowCount int       `json:"totalRowCount"`
	Rows          []gridRow `json:"rows"`
}

// REST protocol list shape: records are already object-shaped.
type restListResponse struct {
	Records    []map[string]any `json:"records"`
	TotalCount int              `json:"totalCount"`
}

type restWriteResponse struct {
	Version string `json:"version"`
}

// Service-level DTOs.

type IngestResult struct {
	BatchId     uint   `json:"batchId"`
	RecordCount int    `json:"recordCount"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

type PruneOptions struct {
	RetentionDays  int  `json:"retentionDays" binding:"required,gt=0"`
	EnableArchival bool `json:"enableArchival"`
	DryRun         bool `json:"dryRun"`
}

type PruneResult struct {
	Archived   int64    `json:"archived"`
	Deleted    int64    `json:"deleted"`
	Errors     []string `json:"errors"`
	DurationMs int64    `json:"durationMs"`
}

// HTTP request/response DTOs.

type ConnectRequest struct {
	BaseURL      string `json:"baseUrl" binding:"required,url"`
	AuthType     string `json:"authType" binding:"required,oneof=basic api_key"`
	Username     string `json:"username"`
	Secret       string `json:"secret" binding:"required"`
	ApiKeyHeader string `json:"apiKeyHeader"`
}

type IngestRequest struct {
	EndpointId uint   `json:"endpointId" binding:"required"`
	SyncType   string `json:"syncType" binding:"required,oneof=full incremental"`
}

type WriteSyncRequest struct {
	OrganizationId string `json:"organizationId" binding:"required"`
	Priority       *int   `json:"priority"`
}

type WriteSyncResponse struct {
	JobId                   uint      `json:"jobId"`
	QueuedCount             int64     `json:"queuedCount"`
	EstimatedCompletionTime time.Time `json:"estimatedCompletionTime"`
}

type SyncStatusResponse struct {
	TotalQueued int64   `json:"totalQueued"`
	Processing  int64   `json:"processing"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Health      string  `json:"health"`
	SuccessRate float64 `json:"successRate"`
}

type ResolveConflictRequest struct {
	Resolution string            `json:"resolution" binding:"required,oneof=use_local use_external merge"`
	Fields     map[string]string `json:"fields"`
}

type IngestPubSubPayload struct {
	JobId          int    `json:"job_id"`
	OrganizationId string `json:"organization_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
