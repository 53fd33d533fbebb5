package dto

// StatusDTO 管道运行状态快照
type StatusDTO struct {
	App      AppStatusDTO      `json:"app"`
	Storage  StorageStatusDTO  `json:"storage"`
	Pipeline PipelineStatusDTO `json:"pipeline"`
	Export   ExportStatusDTO   `json:"export"`
}

type AppStatusDTO struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	StartedAt string `json:"started_at,omitempty"`
	UptimeSec int64  `json:"uptime_sec"`
	SafeMode  bool   `json:"safe_mode"`
}

type StorageStatusDTO struct {
	DBPath         string `json:"db_path"`
	SchemaVersion  int    `json:"schema_version"`
	SafeModeReason string `json:"safe_mode_reason,omitempty"`
	EventCount     int64  `json:"event_count"`
	SessionCount   int64  `json:"session_count"`
	PendingBatches int64  `json:"pending_batches"`
}

type PipelineStatusDTO struct {
	Running          bool   `json:"running"`
	CurrentSessionID string `json:"current_session_id,omitempty"`
	QueueLen         int    `json:"queue_len"`
	QueueCap         int    `json:"queue_cap"`
	Submitted        int64  `json:"submitted"`
	Stored           int64  `json:"stored"`
	Dropped          int64  `json:"dropped"`
	StoreErrors      int64  `json:"store_errors"`
}

type ExportStatusDTO struct {
	Enabled       bool   `json:"enabled"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
	LastSuccessAt int64  `json:"last_success_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	Exported      int64  `json:"exported_events"`
	Dropped       int64  `json:"dropped_events"`
}
