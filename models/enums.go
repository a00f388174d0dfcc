package models

const (
	EamProviderTitan = "titan"
)

const (
	EamStatusConnected    = "connected"
	EamStatusDisconnected = "disconnected"
	EamStatusError        = "error"
)

const (
	EamAuthTypeBasic  = "basic"
	EamAuthTypeApiKey = "api_key"
)

const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

const (
	BatchStatusInProgress = "in_progress"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
	QueueStatusConflict   = "conflict"
)

const (
	ConflictStatusUnresolved = "unresolved"
	ConflictStatusResolved   = "resolved"
)

const (
	ResolutionUseLocal    = "use_local"
	ResolutionUseExternal = "use_external"
	ResolutionMerge       = "merge"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduled = "scheduled"
)

const (
	SyncLogStatusRunning   = "running"
	SyncLogStatusCompleted = "completed"
	SyncLogStatusFailed    = "failed"
)

const (
	IngestJobStatusPending    = "PENDING"
	IngestJobStatusProcessing = "PROCESSING"
	IngestJobStatusSucceeded  = "SUCCEEDED"
	IngestJobStatusFailed     = "FAILED"
	IngestJobStatusDead       = "DEAD"
)
